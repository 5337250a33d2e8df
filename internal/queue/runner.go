package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// DefaultWorkers is the per-lane worker count.
const DefaultWorkers = 10

// Handler processes the jobs of a lane. Handle returns a classified error;
// the runner decides between retry and Failed.
type Handler interface {
	Handle(ctx context.Context, job *Job) error
	// Failed is called once when the job will not be attempted again.
	Failed(ctx context.Context, job *Job, err error)
}

// MessageReader is the subset of *kafka.Reader used by the runner.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Outcome is what the runner did with a job.
type Outcome int

const (
	// OutcomeDone: the handler succeeded.
	OutcomeDone Outcome = iota
	// OutcomeRetried: a retryable error scheduled another attempt.
	OutcomeRetried
	// OutcomeFailed: a fatal error or an exhausted budget called Failed.
	OutcomeFailed
	// OutcomeRedeliver: the retry could not be scheduled; the message is
	// left uncommitted so Kafka redelivers it.
	OutcomeRedeliver
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeRetried:
		return "retried"
	case OutcomeFailed:
		return "failed"
	default:
		return "redeliver"
	}
}

// RunnerConfig configures one lane.
type RunnerConfig struct {
	Lane       Lane
	Policy     Policy
	Workers    int
	JobTimeout time.Duration
}

// Runner reads one lane and handles its jobs on a fixed worker pool.
type Runner struct {
	cfg      RunnerConfig
	reader   MessageReader
	handler  Handler
	enqueuer Enqueuer
	metrics  metrics.Recorder
	clock    clock.Clock
	log      *zap.Logger
}

// work represents a unit of work for the worker pool.
type work struct {
	msg kafka.Message
}

// NewRunner creates a lane runner. A zero policy takes the lane default.
func NewRunner(cfg RunnerConfig, reader MessageReader, handler Handler, enqueuer Enqueuer, m metrics.Recorder, clk clock.Clock, log *zap.Logger) *Runner {
	if cfg.Policy.MaxAttempts == 0 {
		cfg.Policy = PolicyFor(cfg.Lane)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		cfg:      cfg,
		reader:   reader,
		handler:  handler,
		enqueuer: enqueuer,
		metrics:  metrics.OrNoOp(m),
		clock:    clk,
		log:      log.With(zap.String("lane", string(cfg.Lane))),
	}
}

// Run reads messages and dispatches them to workers until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("Starting lane runner",
		zap.Int("workers", r.cfg.Workers),
		zap.Int("max_attempts", r.cfg.Policy.MaxAttempts),
		zap.Duration("job_timeout", r.cfg.JobTimeout))

	jobs := make(chan work, r.cfg.Workers*2)
	var wg sync.WaitGroup

	for i := 0; i < r.cfg.Workers; i++ {
		wg.Add(1)
		go r.runWorker(ctx, jobs, &wg)
	}

	r.dispatchMessages(ctx, jobs)

	close(jobs)
	wg.Wait()
	r.log.Info("Lane runner stopped")
	return nil
}

// runWorker processes messages from the channel until it's closed.
func (r *Runner) runWorker(ctx context.Context, jobs <-chan work, wg *sync.WaitGroup) {
	defer wg.Done()
	for w := range jobs {
		r.processMessage(ctx, w.msg)
	}
}

// dispatchMessages reads messages from Kafka and dispatches them to workers.
func (r *Runner) dispatchMessages(ctx context.Context, jobs chan<- work) {
	for {
		msg, err := r.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			r.log.Error("Failed to fetch message", zap.Error(err))
			r.metrics.RecordError()
			continue
		}
		r.metrics.RecordReceived()
		select {
		case jobs <- work{msg: msg}:
		case <-ctx.Done():
			return
		}
	}
}

// processMessage decodes, executes and commits one message. Messages that do
// not decode are committed and dropped.
func (r *Runner) processMessage(ctx context.Context, msg kafka.Message) {
	job, err := unmarshalJob(msg.Value)
	if err != nil {
		r.log.Error("Dropping undecodable message",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		r.metrics.RecordError()
		r.commit(ctx, msg)
		return
	}

	if r.Execute(ctx, job) == OutcomeRedeliver {
		return
	}
	r.commit(ctx, msg)
}

// Execute runs the handler under the job timeout and applies the retry policy.
func (r *Runner) Execute(ctx context.Context, job *Job) Outcome {
	start := r.clock.Now()
	log := r.log.With(
		zap.String("job_id", job.ID),
		zap.String("kind", job.Kind),
		zap.Int64("company_id", job.CompanyID),
		zap.Int64("alert_id", job.AlertID),
		zap.Int("attempt", job.Attempt),
		zap.String("trace_id", job.TraceID))

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	err := r.handler.Handle(jobCtx, job)
	cancel()
	r.metrics.RecordProcessed(r.clock.Now().Sub(start))

	if err == nil {
		log.Debug("Job handled")
		return OutcomeDone
	}

	r.metrics.RecordError()
	class := failure.Classify(err)
	if class == failure.Retryable && r.cfg.Policy.CanRetry(job.Attempt) {
		delay := r.cfg.Policy.Delay(job.Attempt)
		next := job.Next(r.clock.Now().Add(delay), err)
		if enqErr := r.enqueuer.EnqueueAt(ctx, next, next.NotBefore); enqErr != nil {
			log.Error("Failed to schedule retry, leaving message for redelivery",
				zap.NamedError("cause", err), zap.Error(enqErr))
			return OutcomeRedeliver
		}
		r.metrics.RecordRetried()
		log.Warn("Job failed, retry scheduled",
			zap.String("error_kind", failure.KindOf(err).String()),
			zap.Duration("delay", delay),
			zap.Int("next_attempt", next.Attempt),
			zap.Error(err))
		return OutcomeRetried
	}

	r.metrics.RecordFailed()
	log.Error("Job failed permanently",
		zap.String("classification", class.String()),
		zap.String("error_kind", failure.KindOf(err).String()),
		zap.Int("max_attempts", r.cfg.Policy.MaxAttempts),
		zap.Error(err))
	r.handler.Failed(ctx, job, err)
	return OutcomeFailed
}

func (r *Runner) commit(ctx context.Context, msg kafka.Message) {
	if err := r.reader.CommitMessages(ctx, msg); err != nil {
		r.log.Error("Failed to commit offset", zap.Error(err))
	}
}

// Close closes the reader.
func (r *Runner) Close() error {
	return r.reader.Close()
}

// Mux routes jobs to handlers by kind. Unknown kinds fail permanently.
type Mux struct {
	handlers map[string]Handler
	log      *zap.Logger
}

// NewMux creates an empty router.
func NewMux(log *zap.Logger) *Mux {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mux{handlers: make(map[string]Handler), log: log}
}

// Register routes kind to h.
func (m *Mux) Register(kind string, h Handler) {
	m.handlers[kind] = h
}

// Handle dispatches to the handler registered for the job's kind.
func (m *Mux) Handle(ctx context.Context, job *Job) error {
	h, ok := m.handlers[job.Kind]
	if !ok {
		return failure.Permanent("queue.route", errors.New("no handler for job kind "+job.Kind))
	}
	return h.Handle(ctx, job)
}

// Failed forwards to the handler registered for the job's kind.
func (m *Mux) Failed(ctx context.Context, job *Job, err error) {
	if h, ok := m.handlers[job.Kind]; ok {
		h.Failed(ctx, job, err)
		return
	}
	m.log.Error("Dropping job with unknown kind", zap.String("kind", job.Kind), zap.String("job_id", job.ID))
}

var _ Handler = (*Mux)(nil)
