package attention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Schedules of the sweeper's periodic jobs.
const (
	SweepSpec        = "@every 1m"
	WebhookRetrySpec = "@every 5m"
)

// DefaultJobTimeout bounds one run of a periodic job.
const DefaultJobTimeout = 50 * time.Second

// JobFunc is one periodic job run.
type JobFunc func(ctx context.Context) error

// Scheduler runs named periodic jobs on cron schedules. A run that is still
// going when the next tick fires is skipped.
type Scheduler struct {
	cron    *cron.Cron
	log     *zap.Logger
	mu      sync.Mutex
	entries map[string]cron.EntryID
	base    context.Context
	cancel  context.CancelFunc
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	cronLog := cron.PrintfLogger(zap.NewStdLog(log.Named("cron")))
	base, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog))),
		log:     log,
		entries: make(map[string]cron.EntryID),
		base:    base,
		cancel:  cancel,
	}
}

// Add registers fn under name. Re-registering a name replaces the job.
func (s *Scheduler) Add(name, spec string, timeout time.Duration, fn JobFunc) error {
	if timeout <= 0 {
		timeout = DefaultJobTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id, err := s.cron.AddFunc(spec, s.wrap(name, timeout, fn))
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", name, err)
	}
	if old, ok := s.entries[name]; ok {
		s.cron.Remove(old)
	}
	s.entries[name] = id
	s.log.Info("Scheduled job", zap.String("job", name), zap.String("spec", spec), zap.Duration("timeout", timeout))
	return nil
}

func (s *Scheduler) wrap(name string, timeout time.Duration, fn JobFunc) func() {
	return func() {
		ctx, cancel := context.WithTimeout(s.base, timeout)
		defer cancel()
		start := time.Now()
		if err := fn(ctx); err != nil {
			s.log.Error("Scheduled job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Debug("Scheduled job finished", zap.String("job", name), zap.Duration("took", time.Since(start)))
	}
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	return names
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops scheduling, cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	s.cancel()
	<-ctx.Done()
}
