package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/contacts"
	"github.com/vicbravo9895/sam-engine-sub001/internal/dedupe"
	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
	"github.com/vicbravo9895/sam-engine-sub001/internal/usage"
)

// persistTimeout bounds writes made after attempts went out.
const persistTimeout = 10 * time.Second

// JobPayload is the notifications-lane job body. The zero value is the
// notification proposed by the AI decision.
type JobPayload struct {
	// Level overrides the decision tier (escalations).
	Level          alert.EscalationLevel `json:"level,omitempty"`
	AttentionLevel int                   `json:"attention_level,omitempty"`
	// Pending holds attempts that went out but were not persisted. A job
	// carrying them only records, it never sends again.
	Pending []alert.NotificationResult `json:"pending,omitempty"`
}

// Escalated reports whether the job was raised by the attention sweep.
func (p JobPayload) Escalated() bool {
	return p.AttentionLevel > 0
}

// NewJob builds a notifications-lane job.
func NewJob(companyID, alertID int64, p JobPayload) (*queue.Job, error) {
	return queue.NewJob(queue.LaneNotifications, queue.KindNotify, companyID, alertID, p)
}

// Store is the persistence the notification handler needs.
type Store interface {
	GetAlert(ctx context.Context, companyID, alertID int64) (*alert.Alert, error)
	GetSignal(ctx context.Context, companyID, signalID int64) (*alert.Signal, error)
	GetDecision(ctx context.Context, companyID, alertID int64) (*alert.NotificationDecision, []alert.NotificationRecipient, error)
	RecordDispatch(ctx context.Context, out store.DispatchOutcome) error
	MarkNotificationStatus(ctx context.Context, companyID, alertID int64, status alert.NotificationStatus, reason, traceID string) error
}

// Gate decides whether a notification may go out.
type Gate interface {
	ShouldSend(ctx context.Context, req dedupe.Request) (dedupe.Decision, error)
}

// Handler runs notification jobs: gate, send, persist, meter.
type Handler struct {
	dispatcher *Dispatcher
	store      Store
	gate       Gate
	settings   company.Provider
	contacts   contacts.Resolver
	enqueuer   queue.Enqueuer
	metrics    metrics.Recorder
	log        *zap.Logger
}

// HandlerDeps groups the handler's collaborators.
type HandlerDeps struct {
	Dispatcher *Dispatcher
	Store      Store
	Gate       Gate
	Settings   company.Provider
	Contacts   contacts.Resolver
	Enqueuer   queue.Enqueuer
	Metrics    metrics.Recorder
	Logger     *zap.Logger
}

// NewHandler creates a notification job handler.
func NewHandler(deps HandlerDeps) *Handler {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		dispatcher: deps.Dispatcher,
		store:      deps.Store,
		gate:       deps.Gate,
		settings:   deps.Settings,
		contacts:   deps.Contacts,
		enqueuer:   deps.Enqueuer,
		metrics:    metrics.OrNoOp(deps.Metrics),
		log:        log,
	}
}

// Handle processes one notification job.
func (h *Handler) Handle(ctx context.Context, job *queue.Job) error {
	var p JobPayload
	if err := job.Decode(&p); err != nil {
		return failure.Validation("dispatch.job", err)
	}
	log := h.log.With(
		zap.Int64("company_id", job.CompanyID),
		zap.Int64("alert_id", job.AlertID),
		zap.String("trace_id", job.TraceID),
		zap.Int("attention_level", p.AttentionLevel),
	)

	a, err := h.store.GetAlert(ctx, job.CompanyID, job.AlertID)
	if errors.Is(err, store.ErrNotFound) {
		return failure.Permanent("dispatch.job", err)
	}
	if err != nil {
		return fmt.Errorf("failed to load alert: %w", err)
	}
	if len(p.Pending) > 0 {
		log.Info("Recording attempts from a previous try", zap.Int("attempts", len(p.Pending)))
		return h.record(ctx, job, p, a, p.Pending, log)
	}
	settings, err := h.settings.Get(ctx, job.CompanyID)
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	sig, err := h.store.GetSignal(ctx, job.CompanyID, a.SignalID)
	if err != nil {
		return fmt.Errorf("failed to load signal: %w", err)
	}

	decision, recipients, err := h.decisionFor(ctx, a, sig, p)
	if err != nil {
		return err
	}
	if decision == nil {
		log.Debug("Decision does not ask for a notification")
		h.metrics.RecordSkipped()
		return nil
	}

	level := p.Level
	if level == "" {
		level = decision.EscalationLevel
	}
	if level == "" {
		level = alert.DefaultEscalationFor(a.Severity)
	}

	key := decision.DedupeKey
	if p.Escalated() {
		key = dedupe.EscalationKey(a.ID, p.AttentionLevel)
	} else if key == "" {
		key = dedupe.DefaultKey(a.CompanyID, a.ID, level)
	}
	gate, err := h.gate.ShouldSend(ctx, dedupe.Request{
		CompanyID:      a.CompanyID,
		AlertID:        a.ID,
		DedupeKey:      key,
		Subject:        dedupe.Subject{VehicleID: sig.VehicleID, DriverID: sig.DriverID},
		ChannelClass:   dedupe.ClassNotification,
		DispatchID:     job.ID,
		BypassThrottle: p.Escalated(),
		DedupeWindow:   settings.DedupeWindow,
		ThrottleWindow: settings.ThrottleWindow,
	})
	if err != nil {
		return fmt.Errorf("dedupe check failed: %w", err)
	}
	if !gate.ShouldSend {
		status := alert.NotificationDuplicate
		if gate.Throttled {
			status = alert.NotificationThrottled
		}
		if err := h.store.MarkNotificationStatus(ctx, a.CompanyID, a.ID, status, gate.Reason, job.TraceID); err != nil {
			return fmt.Errorf("failed to record %s notification: %w", status, err)
		}
		log.Info("Notification suppressed", zap.String("reason", gate.Reason))
		h.metrics.RecordSkipped()
		return nil
	}

	target := Target{
		Alert:          a,
		Decision:       decision,
		Recipients:     recipients,
		Settings:       settings,
		Level:          level,
		AttentionLevel: p.AttentionLevel,
	}
	if p.Escalated() {
		target.Channels = settings.AllowedChannels(level)
	}
	results, err := h.dispatcher.Send(ctx, target)
	if err != nil && len(results) == 0 {
		return failure.Transport("dispatch.send", err)
	}
	return h.record(ctx, job, p, a, results, log)
}

// record persists the attempts and meters the successful ones. The attempts
// already happened, so the write outlives a cancelled job context. When it
// still fails the attempts ride on the job for the next try.
func (h *Handler) record(ctx context.Context, job *queue.Job, p JobPayload, a *alert.Alert, results []alert.NotificationResult, log *zap.Logger) error {
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	summary := Summarize(results)
	if err := h.store.RecordDispatch(persistCtx, store.DispatchOutcome{
		CompanyID: a.CompanyID,
		AlertID:   a.ID,
		Status:    summary.Status,
		Channels:  summary.Channels,
		Results:   results,
		CallSID:   summary.CallSID,
		TraceID:   job.TraceID,
	}); err != nil {
		p.Pending = results
		if encErr := job.SetPayload(p); encErr != nil {
			log.Error("Failed to keep unrecorded attempts on the job", zap.Error(encErr))
		}
		return fmt.Errorf("failed to record dispatch: %w", err)
	}

	h.meter(persistCtx, job, results)
	h.metrics.RecordPublished()
	log.Info("Notification dispatched",
		zap.String("status", string(summary.Status)),
		zap.Int("attempts", len(results)),
		zap.Any("channels", summary.Channels),
	)
	return nil
}

// decisionFor returns the stored decision, or for escalations of alerts that
// never had one, a decision addressed to the resolved contacts. A nil
// decision means nothing should be sent.
func (h *Handler) decisionFor(ctx context.Context, a *alert.Alert, sig *alert.Signal, p JobPayload) (*alert.NotificationDecision, []alert.NotificationRecipient, error) {
	decision, recipients, err := h.store.GetDecision(ctx, a.CompanyID, a.ID)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound) && p.Escalated():
		decision = &alert.NotificationDecision{
			AlertID:         a.ID,
			CompanyID:       a.CompanyID,
			ShouldNotify:    true,
			EscalationLevel: alert.DefaultEscalationFor(a.Severity),
		}
	case errors.Is(err, store.ErrNotFound):
		return nil, nil, nil
	default:
		return nil, nil, fmt.Errorf("failed to load decision: %w", err)
	}

	if !p.Escalated() {
		if !decision.ShouldNotify {
			return nil, nil, nil
		}
		return decision, recipients, nil
	}

	escalated := *decision
	escalated.MessageText = escalationText(a, p.AttentionLevel, decision.MessageText)
	if escalated.CallScript != "" {
		escalated.CallScript = escalationText(a, p.AttentionLevel, decision.CallScript)
	}
	if len(recipients) == 0 && h.contacts != nil {
		set, err := h.contacts.Resolve(ctx, contacts.Query{CompanyID: a.CompanyID, VehicleID: sig.VehicleID, DriverID: sig.DriverID})
		if err != nil {
			return nil, nil, failure.Transport("dispatch.contacts", err)
		}
		recipients = set.Recipients()
	}
	return &escalated, recipients, nil
}

func escalationText(a *alert.Alert, level int, text string) string {
	prefix := fmt.Sprintf("[Escalation %d] Alert %d is still awaiting attention.", level, a.ID)
	if text == "" {
		return prefix
	}
	return prefix + " " + text
}

// meter enqueues one usage job per successful attempt. The idempotency key
// is derived from the provider id so retried jobs do not double count.
func (h *Handler) meter(ctx context.Context, job *queue.Job, results []alert.NotificationResult) {
	if h.enqueuer == nil {
		return
	}
	for _, r := range results {
		if !r.Success || r.ProviderID == "" {
			continue
		}
		meter := usage.MeterForChannel(r.Channel)
		mj, err := usage.NewJob(alert.UsageEvent{
			CompanyID:      r.CompanyID,
			Meter:          meter,
			Quantity:       1,
			Dimensions:     map[string]string{"channel": string(r.Channel), "recipient_type": r.RecipientType},
			IdempotencyKey: usage.Key(r.CompanyID, meter, r.ProviderID),
			OccurredAt:     r.SentAt,
		}, r.AlertID)
		if err == nil {
			err = h.enqueuer.Enqueue(ctx, mj.WithTrace(job.TraceID))
		}
		if err != nil {
			h.log.Warn("Failed to enqueue usage job",
				zap.Int64("alert_id", r.AlertID), zap.String("provider_id", r.ProviderID), zap.Error(err))
		}
	}
}

// Failed records a notification job that ran out of attempts.
func (h *Handler) Failed(ctx context.Context, job *queue.Job, err error) {
	h.log.Error("Notification job failed",
		zap.Int64("company_id", job.CompanyID),
		zap.Int64("alert_id", job.AlertID),
		zap.Int("attempt", job.Attempt),
		zap.String("trace_id", job.TraceID),
		zap.Error(err),
	)
	if failure.Is(err, failure.KindPermanent) {
		return
	}
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if markErr := h.store.MarkNotificationStatus(markCtx, job.CompanyID, job.AlertID, alert.NotificationFailed, err.Error(), job.TraceID); markErr != nil {
		h.log.Error("Failed to mark notification as failed", zap.Int64("alert_id", job.AlertID), zap.Error(markErr))
	}
}

var _ queue.Handler = (*Handler)(nil)
