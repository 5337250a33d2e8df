package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/pipeline"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Retry of parked webhooks.
const (
	MaxWebhookAttempts = 5
	WebhookRetryBase   = 5 * time.Minute
	webhookLease       = 2 * time.Minute
	webhookBatch       = 100
)

// Store is the persistence ingestion needs.
type Store interface {
	CreateSignalAndAlert(ctx context.Context, sig alert.Signal, severity alert.Severity, traceID string) (*alert.Alert, bool, error)
	ParkWebhook(ctx context.Context, companyID int64, source string, payload json.RawMessage, lastErr string, nextAttempt time.Time) (int64, error)
	ClaimDueWebhooks(ctx context.Context, limit int, lease time.Duration) ([]store.PendingWebhook, error)
	MarkWebhookDelivered(ctx context.Context, id int64) error
	MarkWebhookRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error
	MarkWebhookExhausted(ctx context.Context, id int64, attempts int, lastErr string) error
}

// JobPayload is the ingestion-lane job body.
type JobPayload struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// NewJob wraps a received webhook in an ingestion-lane job.
func NewJob(companyID int64, source string, raw json.RawMessage) (*queue.Job, error) {
	return queue.NewJob(queue.LaneIngestion, queue.KindIngestSignal, companyID, 0, JobPayload{Source: source, Payload: raw})
}

// RetryDelay is the wait before attempt+1 of a parked webhook.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	return WebhookRetryBase << (attempts - 1)
}

// Service maps webhooks, stores signals and starts their assessment.
type Service struct {
	store    Store
	enqueuer queue.Enqueuer
	clock    clock.Clock
	metrics  metrics.Recorder
	log      *zap.Logger
}

// NewService creates an ingestion service.
func NewService(st Store, enq queue.Enqueuer, clk clock.Clock, m metrics.Recorder, log *zap.Logger) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, enqueuer: enq, clock: clk, metrics: metrics.OrNoOp(m), log: log}
}

// Intake stores the signal carried by raw and queues its first assessment.
// A redelivered signal returns the existing alert with created=false; it is
// queued again only while still pending.
func (s *Service) Intake(ctx context.Context, companyID int64, source string, raw json.RawMessage, traceID string) (*alert.Alert, bool, error) {
	sig, severity, err := Map(companyID, source, raw, s.clock.Now())
	if err != nil {
		return nil, false, err
	}
	a, created, err := s.store.CreateSignalAndAlert(ctx, sig, severity, traceID)
	if errors.Is(err, store.ErrUnknownCompany) {
		return nil, false, failure.Permanent("ingest.intake", err)
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to store signal: %w", err)
	}
	if !created && a.AIStatus != alert.AIStatusPending {
		s.log.Info("Duplicate signal ignored",
			zap.Int64("company_id", companyID),
			zap.String("external_id", sig.ExternalID),
			zap.Int64("alert_id", a.ID))
		s.metrics.RecordSkipped()
		return a, false, nil
	}

	job, err := pipeline.NewProcessJob(a.CompanyID, a.ID)
	if err != nil {
		return nil, false, err
	}
	if err := s.enqueuer.Enqueue(ctx, job.WithTrace(traceID)); err != nil {
		return nil, false, fmt.Errorf("failed to queue alert %d for processing: %w", a.ID, err)
	}
	s.metrics.RecordPublished()
	s.log.Info("Signal ingested",
		zap.Int64("company_id", companyID),
		zap.Int64("alert_id", a.ID),
		zap.String("event_type", sig.EventType),
		zap.String("severity", string(severity)),
		zap.Bool("created", created),
		zap.String("trace_id", traceID))
	return a, created, nil
}

// park stores raw for a later retry.
func (s *Service) park(ctx context.Context, companyID int64, source string, raw json.RawMessage, cause error) error {
	next := s.clock.Now().Add(RetryDelay(1))
	id, err := s.store.ParkWebhook(ctx, companyID, source, raw, cause.Error(), next)
	if err != nil {
		return fmt.Errorf("failed to park webhook: %w", err)
	}
	s.log.Warn("Webhook parked for retry",
		zap.Int64("company_id", companyID),
		zap.String("source", source),
		zap.Int64("pending_webhook_id", id),
		zap.Time("next_attempt_at", next),
		zap.NamedError("cause", cause))
	return nil
}

// Handle runs an ingestion-lane job. Unmappable payloads are parked and the
// job completes.
func (s *Service) Handle(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return failure.Validation("ingest.job", err)
	}
	_, _, err := s.Intake(ctx, job.CompanyID, p.Source, p.Payload, job.TraceID)
	if failure.Is(err, failure.KindValidation) {
		return s.park(ctx, job.CompanyID, p.Source, p.Payload, err)
	}
	return err
}

// Failed parks webhooks whose ingestion kept failing, so the retry loop picks
// them up once the cause clears.
func (s *Service) Failed(ctx context.Context, job *queue.Job, err error) {
	log := s.log.With(zap.Int64("company_id", job.CompanyID), zap.String("job_id", job.ID), zap.Error(err))
	if failure.Is(err, failure.KindPermanent) || failure.Is(err, failure.KindValidation) {
		log.Error("Ingestion job dropped")
		return
	}
	var p JobPayload
	if decodeErr := job.Decode(&p); decodeErr != nil {
		log.Error("Ingestion job dropped, payload unreadable", zap.NamedError("decode", decodeErr))
		return
	}
	parkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if parkErr := s.park(parkCtx, job.CompanyID, p.Source, p.Payload, err); parkErr != nil {
		log.Error("Ingestion job lost", zap.NamedError("park", parkErr))
	}
}

// RetryDue re-runs parked webhooks that are due and returns how many were
// delivered. Rows that fail MaxWebhookAttempts times are marked exhausted.
func (s *Service) RetryDue(ctx context.Context) (int, error) {
	due, err := s.store.ClaimDueWebhooks(ctx, webhookBatch, webhookLease)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, w := range due {
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		log := s.log.With(zap.Int64("pending_webhook_id", w.ID), zap.Int64("company_id", w.CompanyID))
		_, _, err := s.Intake(ctx, w.CompanyID, w.Source, w.Payload, "")
		if err == nil {
			if err := s.store.MarkWebhookDelivered(ctx, w.ID); err != nil {
				log.Error("Failed to mark webhook delivered", zap.Error(err))
				continue
			}
			delivered++
			continue
		}

		attempts := w.Attempts + 1
		if attempts >= MaxWebhookAttempts || failure.Is(err, failure.KindPermanent) {
			if markErr := s.store.MarkWebhookExhausted(ctx, w.ID, attempts, err.Error()); markErr != nil {
				log.Error("Failed to mark webhook exhausted", zap.Error(markErr))
				continue
			}
			log.Error("Webhook retries exhausted, manual intervention required",
				zap.Int("attempts", attempts), zap.Error(err))
			continue
		}
		next := s.clock.Now().Add(RetryDelay(attempts))
		if markErr := s.store.MarkWebhookRetry(ctx, w.ID, attempts, next, err.Error()); markErr != nil {
			log.Error("Failed to reschedule webhook", zap.Error(markErr))
			continue
		}
		log.Warn("Webhook retry failed", zap.Int("attempts", attempts), zap.Time("next_attempt_at", next), zap.Error(err))
	}
	if len(due) > 0 {
		s.log.Info("Pending webhooks retried", zap.Int("due", len(due)), zap.Int("delivered", delivered))
	}
	return delivered, nil
}

var _ queue.Handler = (*Service)(nil)
