// Package sweeper runs the periodic and polling jobs of the platform: the
// attention sweep, parked-webhook retries, the delayed-job pump and the
// domain-event relay.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vicbravo9895/sam-engine-sub001/internal/attention"
)

// Job names.
const (
	JobAttentionSweep = "attention-sweep"
	JobWebhookRetry   = "webhook-retry"
)

// Escalator escalates overdue alerts.
type Escalator interface {
	CheckAndEscalateOverdue(ctx context.Context) (int, error)
}

// WebhookRetrier retries parked webhooks that are due.
type WebhookRetrier interface {
	RetryDue(ctx context.Context) (int, error)
}

// Poller is a loop that runs until ctx is cancelled.
type Poller interface {
	Run(ctx context.Context, interval time.Duration)
}

// Deps groups the sweeper collaborators.
type Deps struct {
	Scheduler     *attention.Scheduler
	Escalator     Escalator
	Webhooks      WebhookRetrier
	Pump          Poller
	PumpInterval  time.Duration
	Relay         Poller
	RelayInterval time.Duration
	JobTimeout    time.Duration
	Logger        *zap.Logger
}

// Sweeper owns the scheduled jobs and the polling loops.
type Sweeper struct {
	deps Deps
	log  *zap.Logger
}

// New registers the scheduled jobs.
func New(deps Deps) (*Sweeper, error) {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	s := &Sweeper{deps: deps, log: log}

	if err := deps.Scheduler.Add(JobAttentionSweep, attention.SweepSpec, deps.JobTimeout, func(ctx context.Context) error {
		n, err := deps.Escalator.CheckAndEscalateOverdue(ctx)
		if n > 0 {
			log.Info("Escalated overdue alerts", zap.Int("count", n))
		}
		return err
	}); err != nil {
		return nil, err
	}

	if err := deps.Scheduler.Add(JobWebhookRetry, attention.WebhookRetrySpec, deps.JobTimeout, func(ctx context.Context) error {
		n, err := deps.Webhooks.RetryDue(ctx)
		if n > 0 {
			log.Info("Retried parked webhooks", zap.Int("count", n))
		}
		return err
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Run starts the scheduler and the polling loops, and stops them when ctx
// is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	s.deps.Scheduler.Start()
	s.log.Info("Scheduler started", zap.Strings("jobs", s.deps.Scheduler.Jobs()))

	g, gctx := errgroup.WithContext(ctx)
	if s.deps.Pump != nil {
		g.Go(func() error {
			s.deps.Pump.Run(gctx, s.deps.PumpInterval)
			return nil
		})
	}
	if s.deps.Relay != nil {
		g.Go(func() error {
			s.deps.Relay.Run(gctx, s.deps.RelayInterval)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		s.deps.Scheduler.Stop()
		s.log.Info("Scheduler stopped")
		return nil
	})
	return g.Wait()
}
