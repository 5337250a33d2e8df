// Package pipeline assesses alerts: it claims an alert, gathers context, asks
// the AI service for a verdict and moves the alert to investigating or
// completed. Follow-up work (revalidation, notification, attention tracking,
// usage) is scheduled only after the state transition commits.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/aiclient"
	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/contacts"
	"github.com/vicbravo9895/sam-engine-sub001/internal/dispatch"
	"github.com/vicbravo9895/sam-engine-sub001/internal/evidence"
	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/preload"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
	"github.com/vicbravo9895/sam-engine-sub001/internal/usage"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Forced completion once the investigation limit is reached.
const (
	capVerdict    = alert.VerdictNeedsReview
	capConfidence = 0.3
)

// Store is the persistence the pipeline needs.
type Store interface {
	GetAlert(ctx context.Context, companyID, alertID int64) (*alert.Alert, error)
	GetSignal(ctx context.Context, companyID, signalID int64) (*alert.Signal, error)
	GetAlertAI(ctx context.Context, companyID, alertID int64) (*alert.AlertAI, error)
	MarkProcessing(ctx context.Context, companyID, alertID int64, traceID string) (*alert.Alert, error)
	MarkFailed(ctx context.Context, companyID, alertID int64, message, traceID string) (bool, error)
	ApplyAssessment(ctx context.Context, w store.AssessmentWrite) error
}

// AttentionInitializer starts SLA tracking after an assessment.
type AttentionInitializer interface {
	Initialize(ctx context.Context, a *alert.Alert, s *company.Settings, traceID string) (bool, error)
}

// FailureNotifier tells operators about alerts that failed terminally.
type FailureNotifier interface {
	AlertFailed(ctx context.Context, recipients []string, a *alert.Alert, reason string) error
}

// Request identifies one pipeline run.
type Request struct {
	CompanyID int64
	AlertID   int64
	Attempt   int
	TraceID   string
	// Cycle is the investigation cycle a revalidation runs. Zero runs the
	// next cycle whatever it is.
	Cycle int
}

// Outcome describes what a run did.
type Outcome struct {
	// Skipped is set when the alert was not in a state the run applies to.
	Skipped     bool
	Status      alert.AIStatus
	Verdict     alert.Verdict
	NextCheckAt *time.Time
	Notify      bool
	// Capped is set when revalidation stopped at the investigation limit.
	Capped bool
}

// Deps groups the pipeline's collaborators. Evidence, Attention, Preload,
// Contacts and Notifier are optional.
type Deps struct {
	Store     Store
	Assessor  aiclient.Assessor
	Preload   preload.Loader
	Contacts  contacts.Resolver
	Settings  company.Provider
	Evidence  evidence.Persister
	Attention AttentionInitializer
	Enqueuer  queue.Enqueuer
	Notifier  FailureNotifier
	Clock     clock.Clock
	Metrics   metrics.Recorder
	Logger    *zap.Logger
	// Critical receives terminal failures of critical alerts.
	Critical  *zap.Logger
	AITimeout time.Duration
}

// Pipeline runs assessments.
type Pipeline struct {
	store     Store
	assessor  aiclient.Assessor
	preload   preload.Loader
	contacts  contacts.Resolver
	settings  company.Provider
	evidence  evidence.Persister
	attention AttentionInitializer
	enqueuer  queue.Enqueuer
	notifier  FailureNotifier
	clock     clock.Clock
	metrics   metrics.Recorder
	log       *zap.Logger
	critical  *zap.Logger
	timeout   time.Duration
}

// New creates a pipeline.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		store:     deps.Store,
		assessor:  deps.Assessor,
		preload:   deps.Preload,
		contacts:  deps.Contacts,
		settings:  deps.Settings,
		evidence:  deps.Evidence,
		attention: deps.Attention,
		enqueuer:  deps.Enqueuer,
		notifier:  deps.Notifier,
		clock:     deps.Clock,
		metrics:   metrics.OrNoOp(deps.Metrics),
		log:       deps.Logger,
		critical:  deps.Critical,
		timeout:   deps.AITimeout,
	}
	if p.clock == nil {
		p.clock = clock.Real{}
	}
	if p.log == nil {
		p.log = zap.NewNop()
	}
	if p.critical == nil {
		p.critical = p.log
	}
	if p.timeout <= 0 {
		p.timeout = aiclient.DefaultTimeout
	}
	return p
}

func (p *Pipeline) logger(req Request) *zap.Logger {
	return p.log.With(
		zap.Int64("company_id", req.CompanyID),
		zap.Int64("alert_id", req.AlertID),
		zap.Int("attempt", req.Attempt),
		zap.String("trace_id", req.TraceID),
	)
}

// loadAlert maps a missing alert to a permanent failure.
func (p *Pipeline) loadAlert(ctx context.Context, op string, req Request) (*alert.Alert, error) {
	a, err := p.store.GetAlert(ctx, req.CompanyID, req.AlertID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, failure.Permanent(op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load alert: %w", err)
	}
	return a, nil
}

// loadSettings returns settings for a tenant able to run assessments.
func (p *Pipeline) loadSettings(ctx context.Context, op string, companyID int64) (*company.Settings, error) {
	s, err := p.settings.Get(ctx, companyID)
	if errors.Is(err, company.ErrNotFound) {
		return nil, failure.Configuration(op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company settings: %w", err)
	}
	if !s.HasCredentials() {
		return nil, failure.Configuration(op, fmt.Errorf("company %d has no telematics credentials", companyID))
	}
	return s, nil
}

// Process runs the first assessment of an alert.
func (p *Pipeline) Process(ctx context.Context, req Request) (*Outcome, error) {
	const op = "pipeline.process"
	log := p.logger(req)

	cur, err := p.loadAlert(ctx, op, req)
	if err != nil {
		return nil, err
	}
	switch cur.AIStatus {
	case alert.AIStatusPending:
	case alert.AIStatusProcessing:
		if req.Attempt <= 1 {
			log.Warn("Alert already processing on first attempt, continuing")
		}
	default:
		log.Info("Alert already assessed, skipping", zap.String("ai_status", string(cur.AIStatus)))
		p.metrics.RecordSkipped()
		return &Outcome{Skipped: true, Status: cur.AIStatus}, nil
	}

	a, err := p.store.MarkProcessing(ctx, req.CompanyID, req.AlertID, req.TraceID)
	switch {
	case errors.Is(err, store.ErrInvalidTransition):
		log.Info("Alert moved on before it could be claimed, skipping", zap.Error(err))
		p.metrics.RecordSkipped()
		return &Outcome{Skipped: true, Status: cur.AIStatus}, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, failure.Permanent(op, err)
	case err != nil:
		return nil, fmt.Errorf("failed to claim alert: %w", err)
	}

	settings, err := p.loadSettings(ctx, op, req.CompanyID)
	if err != nil {
		return nil, err
	}
	sig, err := p.store.GetSignal(ctx, req.CompanyID, a.SignalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal: %w", err)
	}
	set, err := p.resolveContacts(ctx, sig)
	if err != nil {
		return nil, err
	}
	telemetry := p.loadTelemetry(ctx, log, settings, sig)

	result, err := p.assess(ctx, log, func(ctx context.Context) (*aiclient.Result, error) {
		return p.assessor.Ingest(ctx, aiclient.Request{
			EventID: a.ID,
			Payload: sig.RawPayload,
			Context: newIngestContext(a, sig, settings, set, telemetry),
		}, req.TraceID)
	})
	if err != nil {
		return nil, err
	}

	w := store.AssessmentWrite{
		CompanyID:          a.CompanyID,
		AlertID:            a.ID,
		Target:             alert.AIStatusCompleted,
		Assessment:         result.Assessment,
		AlertContext:       result.AlertContext,
		RawOutput:          result.RawOutput,
		SupportingEvidence: result.SupportingEvidence,
		Decision:           result.Decision,
		Recipients:         result.Recipients,
		TraceID:            req.TraceID,
		ExpectStatus:       alert.AIStatusProcessing,
	}
	if result.Assessment.RequiresMonitoring {
		w.Target = alert.AIStatusInvestigating
		w.History = p.historyRecord(0, result.Assessment)
	}
	return p.commit(ctx, log, a, settings, w, meterKey(a.ID, "process"))
}

// Revalidate runs one re-investigation of an alert under monitoring.
func (p *Pipeline) Revalidate(ctx context.Context, req Request) (*Outcome, error) {
	const op = "pipeline.revalidate"
	log := p.logger(req)

	a, err := p.loadAlert(ctx, op, req)
	if err != nil {
		return nil, err
	}
	if a.AIStatus != alert.AIStatusInvestigating {
		log.Info("Alert no longer investigating, skipping revalidation", zap.String("ai_status", string(a.AIStatus)))
		p.metrics.RecordSkipped()
		return &Outcome{Skipped: true, Status: a.AIStatus}, nil
	}

	s, err := p.settings.Get(ctx, req.CompanyID)
	if errors.Is(err, company.ErrNotFound) {
		return nil, failure.Configuration(op, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load company settings: %w", err)
	}
	ai, err := p.store.GetAlertAI(ctx, req.CompanyID, req.AlertID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("failed to load alert ai record: %w", err)
	}
	if ai == nil {
		ai = &alert.AlertAI{AlertID: a.ID}
	}
	if req.Cycle > 0 && ai.InvestigationCount != req.Cycle-1 {
		log.Info("Investigation cycle already run, skipping",
			zap.Int("cycle", req.Cycle),
			zap.Int("investigation_count", ai.InvestigationCount))
		p.metrics.RecordSkipped()
		return &Outcome{Skipped: true, Status: a.AIStatus}, nil
	}
	ran := ai.InvestigationCount

	if ai.InvestigationCount >= s.MaxInvestigations {
		log.Info("Investigation limit reached, completing for review",
			zap.Int("investigation_count", ai.InvestigationCount),
			zap.Int("max_investigations", s.MaxInvestigations))
		reasoning := fmt.Sprintf("Investigation limit of %d cycles reached without a conclusive assessment; manual review required.",
			s.MaxInvestigations)
		forced := alert.Assessment{Verdict: capVerdict, Confidence: capConfidence, Reasoning: reasoning}
		out, err := p.commit(ctx, log, a, s, store.AssessmentWrite{
			CompanyID:  a.CompanyID,
			AlertID:    a.ID,
			Target:     alert.AIStatusCompleted,
			Assessment: forced,
			History: &alert.InvestigationRecord{
				Cycle:      ai.InvestigationCount,
				At:         p.clock.Now(),
				Verdict:    forced.Verdict,
				Confidence: forced.Confidence,
				Reason:     "investigation limit reached",
			},
			TraceID:                  req.TraceID,
			ExpectStatus:             alert.AIStatusInvestigating,
			ExpectInvestigationCount: &ran,
		}, "")
		if out != nil {
			out.Capped = true
		}
		return out, err
	}

	if !s.HasCredentials() {
		return nil, failure.Configuration(op, fmt.Errorf("company %d has no telematics credentials", req.CompanyID))
	}
	sig, err := p.store.GetSignal(ctx, req.CompanyID, a.SignalID)
	if err != nil {
		return nil, fmt.Errorf("failed to load signal: %w", err)
	}
	telemetry := p.loadTelemetry(ctx, log, s, sig)
	cycle := ai.InvestigationCount + 1

	result, err := p.assess(ctx, log, func(ctx context.Context) (*aiclient.Result, error) {
		return p.assessor.Revalidate(ctx, aiclient.Request{
			EventID: a.ID,
			Payload: sig.RawPayload,
			Context: newRevalidateContext(a, sig, ai, telemetry, cycle, s.MaxInvestigations, p.clock.Now()),
		}, req.TraceID)
	})
	if err != nil {
		return nil, err
	}

	w := store.AssessmentWrite{
		CompanyID:                a.CompanyID,
		AlertID:                  a.ID,
		Target:                   alert.AIStatusCompleted,
		Assessment:               result.Assessment,
		AlertContext:             result.AlertContext,
		RawOutput:                result.RawOutput,
		SupportingEvidence:       result.SupportingEvidence,
		InvestigationIncrement:   1,
		History:                  p.historyRecord(cycle, result.Assessment),
		Decision:                 result.Decision,
		Recipients:               result.Recipients,
		TraceID:                  req.TraceID,
		ExpectStatus:             alert.AIStatusInvestigating,
		ExpectInvestigationCount: &ran,
	}
	if result.Assessment.RequiresMonitoring {
		w.Target = alert.AIStatusInvestigating
	}
	return p.commit(ctx, log, a, s, w, meterKey(a.ID, fmt.Sprintf("revalidate-%d", cycle)))
}

func (p *Pipeline) historyRecord(cycle int, a alert.Assessment) *alert.InvestigationRecord {
	return &alert.InvestigationRecord{
		Cycle:              cycle,
		At:                 p.clock.Now(),
		Verdict:            a.Verdict,
		Confidence:         a.Confidence,
		RequiresMonitoring: a.RequiresMonitoring,
		Reason:             a.MonitoringReason,
	}
}

func meterKey(alertID int64, step string) string {
	return fmt.Sprintf("alert-%d-%s", alertID, step)
}

func (p *Pipeline) resolveContacts(ctx context.Context, sig *alert.Signal) (*contacts.Set, error) {
	if p.contacts == nil {
		return &contacts.Set{}, nil
	}
	set, err := p.contacts.Resolve(ctx, contacts.Query{CompanyID: sig.CompanyID, VehicleID: sig.VehicleID, DriverID: sig.DriverID})
	if err != nil {
		return nil, failure.Transport("pipeline.contacts", err)
	}
	return set, nil
}

// loadTelemetry is best effort. Failures are logged and the assessment runs
// without telemetry.
func (p *Pipeline) loadTelemetry(ctx context.Context, log *zap.Logger, s *company.Settings, sig *alert.Signal) *preload.Telemetry {
	if p.preload == nil || sig.VehicleID == "" {
		return nil
	}
	t, err := p.preload.Load(ctx, s.TelematicsToken, preload.Query{VehicleID: sig.VehicleID, OccurredAt: sig.OccurredAt})
	if err != nil {
		log.Warn("Telemetry preload failed, continuing without it", zap.Error(err))
		return nil
	}
	return t
}

// assess calls the AI service under the assessment timeout.
func (p *Pipeline) assess(ctx context.Context, log *zap.Logger, call func(context.Context) (*aiclient.Result, error)) (*aiclient.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := p.clock.Now()
	result, err := call(callCtx)
	if err != nil {
		if stats, ok := failure.CapacityStatsOf(err); ok {
			log.Warn("AI service at capacity, will retry",
				zap.Int("active_requests", stats.ActiveRequests),
				zap.Int("pending_requests", stats.PendingRequests))
		} else {
			log.Warn("AI assessment failed", zap.String("kind", failure.KindOf(err).String()), zap.Error(err))
		}
		return nil, err
	}
	log.Info("AI assessment received",
		zap.String("verdict", string(result.Assessment.Verdict)),
		zap.Float64("confidence", result.Assessment.Confidence),
		zap.Bool("requires_monitoring", result.Assessment.RequiresMonitoring),
		zap.Duration("took", p.clock.Now().Sub(start)))
	return result, nil
}

// commit applies the assessment, then schedules follow-up work. Follow-up
// failures are logged and never undo the transition.
func (p *Pipeline) commit(ctx context.Context, log *zap.Logger, a *alert.Alert, s *company.Settings, w store.AssessmentWrite, meter string) (*Outcome, error) {
	if err := p.store.ApplyAssessment(ctx, w); err != nil {
		if errors.Is(err, store.ErrStale) {
			log.Info("Alert changed during assessment, discarding result", zap.Error(err))
			p.metrics.RecordSkipped()
			return &Outcome{Skipped: true, Status: a.AIStatus}, nil
		}
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			return nil, failure.Permanent("pipeline.apply", err)
		}
		return nil, fmt.Errorf("failed to apply assessment: %w", err)
	}
	a.AIStatus = w.Target
	a.Verdict = w.Assessment.Verdict
	a.Confidence = w.Assessment.Confidence

	out := &Outcome{
		Status:  w.Target,
		Verdict: w.Assessment.Verdict,
		Notify:  w.Decision != nil && w.Decision.ShouldNotify,
	}
	if w.Target == alert.AIStatusInvestigating {
		at := p.clock.Now().Add(s.NextCheck(w.Assessment.NextCheckMinutes))
		out.NextCheckAt = &at
		if err := p.scheduleRevalidation(ctx, a, nextCycle(w), at, w.TraceID); err != nil {
			p.metrics.RecordError()
			log.Error("Failed to schedule revalidation", zap.Time("due_at", at), zap.Error(err))
		}
	}

	p.initAttention(ctx, log, a, s, w.TraceID)
	if len(w.SupportingEvidence) > 0 {
		p.persistEvidence(ctx, log, a, w.SupportingEvidence)
	}
	if out.Notify {
		p.enqueueNotification(ctx, log, a, w.TraceID)
	}
	if meter != "" && s.Enabled(company.FeatureUsageMetering) {
		p.enqueueUsage(ctx, log, a, meter, w.TraceID)
	}

	log.Info("Assessment applied",
		zap.String("ai_status", string(w.Target)),
		zap.String("verdict", string(w.Assessment.Verdict)),
		zap.Bool("notify", out.Notify))
	return out, nil
}

// nextCycle is the investigation cycle that follows a successful write of w.
func nextCycle(w store.AssessmentWrite) int {
	ran := 0
	if w.ExpectInvestigationCount != nil {
		ran = *w.ExpectInvestigationCount
	}
	return ran + w.InvestigationIncrement + 1
}

func (p *Pipeline) scheduleRevalidation(ctx context.Context, a *alert.Alert, cycle int, at time.Time, traceID string) error {
	job, err := NewRevalidateJob(a.CompanyID, a.ID, cycle)
	if err != nil {
		return err
	}
	return p.enqueuer.EnqueueAt(ctx, job.WithTrace(traceID), at)
}

func (p *Pipeline) initAttention(ctx context.Context, log *zap.Logger, a *alert.Alert, s *company.Settings, traceID string) {
	if p.attention == nil {
		return
	}
	if _, err := p.attention.Initialize(ctx, a, s, traceID); err != nil {
		p.metrics.RecordError()
		log.Error("Failed to initialize attention tracking", zap.Error(err))
	}
}

func (p *Pipeline) persistEvidence(ctx context.Context, log *zap.Logger, a *alert.Alert, doc json.RawMessage) {
	if p.evidence == nil {
		return
	}
	n, err := p.evidence.Persist(ctx, a.CompanyID, a.ID, doc)
	if err != nil {
		log.Warn("Evidence persistence failed, keeping source URLs", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("Evidence images persisted", zap.Int("count", n))
	}
}

func (p *Pipeline) enqueueNotification(ctx context.Context, log *zap.Logger, a *alert.Alert, traceID string) {
	job, err := dispatch.NewJob(a.CompanyID, a.ID, dispatch.JobPayload{})
	if err == nil {
		err = p.enqueuer.Enqueue(ctx, job.WithTrace(traceID))
	}
	if err != nil {
		p.metrics.RecordError()
		log.Error("Failed to enqueue notification", zap.Error(err))
		return
	}
	p.metrics.RecordPublished()
}

func (p *Pipeline) enqueueUsage(ctx context.Context, log *zap.Logger, a *alert.Alert, ref, traceID string) {
	job, err := usage.NewJob(alert.UsageEvent{
		CompanyID:      a.CompanyID,
		Meter:          usage.MeterAIAssessments,
		Quantity:       1,
		Dimensions:     map[string]string{"severity": string(a.Severity)},
		IdempotencyKey: usage.Key(a.CompanyID, usage.MeterAIAssessments, ref),
		OccurredAt:     p.clock.Now(),
	}, a.ID)
	if err == nil {
		err = p.enqueuer.Enqueue(ctx, job.WithTrace(traceID))
	}
	if err != nil {
		log.Warn("Failed to enqueue usage job", zap.Error(err))
	}
}

// Fail terminates an alert whose job ran out of attempts or failed fatally.
func (p *Pipeline) Fail(ctx context.Context, req Request, cause error) error {
	log := p.logger(req)
	reason := FailureMessage(cause, req.Attempt)

	changed, err := p.store.MarkFailed(ctx, req.CompanyID, req.AlertID, reason, req.TraceID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn("Cannot mark missing alert failed")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to mark alert failed: %w", err)
	}
	if !changed {
		return nil
	}

	a, err := p.store.GetAlert(ctx, req.CompanyID, req.AlertID)
	if err != nil {
		log.Error("Alert marked failed", zap.String("reason", reason))
		return nil
	}
	log.Error("Alert marked failed", zap.String("severity", string(a.Severity)), zap.String("reason", reason))
	if a.Severity != alert.SeverityCritical {
		return nil
	}

	p.critical.Error("Critical alert failed processing",
		zap.Int64("company_id", a.CompanyID),
		zap.Int64("alert_id", a.ID),
		zap.String("trace_id", req.TraceID),
		zap.String("reason", reason))
	if p.notifier == nil {
		return nil
	}
	s, err := p.settings.Get(ctx, a.CompanyID)
	if err != nil {
		log.Warn("Cannot notify operators, settings unavailable", zap.Error(err))
		return nil
	}
	if err := p.notifier.AlertFailed(ctx, s.OpsEmails, a, reason); err != nil {
		log.Warn("Operator e-mail failed", zap.Error(err))
	}
	return nil
}

// FailureMessage is the human-readable error stored on a failed alert.
func FailureMessage(cause error, attempts int) string {
	if cause == nil {
		return "processing failed"
	}
	switch failure.KindOf(cause) {
	case failure.KindConfiguration:
		return "Company configuration incomplete: " + cause.Error()
	case failure.KindCapacity:
		return fmt.Sprintf("AI service remained at capacity after %d attempts: %v", attempts, cause)
	default:
		if attempts > 1 {
			return fmt.Sprintf("Processing failed after %d attempts: %v", attempts, cause)
		}
		return "Processing failed: " + cause.Error()
	}
}
