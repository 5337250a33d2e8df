// Package attention tracks whether a human has acknowledged and resolved an
// alert within its SLA, and escalates alerts whose deadlines pass.
package attention

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/dispatch"
	"github.com/vicbravo9895/sam-engine-sub001/internal/metrics"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// DefaultSweepBatch caps the alerts escalated by one sweep.
const DefaultSweepBatch = 200

// Store is the persistence the engine needs.
type Store interface {
	InitAttention(ctx context.Context, in store.AttentionInit) (bool, error)
	ListOverdueAttention(ctx context.Context, now time.Time, limit int) ([]*alert.Alert, error)
	RecordEscalation(ctx context.Context, e store.Escalation) (bool, error)
	Acknowledge(ctx context.Context, companyID, alertID int64, owner, traceID string) (bool, error)
	ResolveAttention(ctx context.Context, companyID, alertID int64, owner, traceID string) (bool, error)
}

// Engine runs the attention state machine.
type Engine struct {
	store    Store
	settings company.Provider
	enqueuer queue.Enqueuer
	clock    clock.Clock
	metrics  metrics.Recorder
	batch    int
	log      *zap.Logger
}

// Deps groups the engine's collaborators.
type Deps struct {
	Store    Store
	Settings company.Provider
	Enqueuer queue.Enqueuer
	Clock    clock.Clock
	Metrics  metrics.Recorder
	Batch    int
	Logger   *zap.Logger
}

// NewEngine creates an attention engine.
func NewEngine(deps Deps) *Engine {
	e := &Engine{
		store:    deps.Store,
		settings: deps.Settings,
		enqueuer: deps.Enqueuer,
		clock:    deps.Clock,
		metrics:  metrics.OrNoOp(deps.Metrics),
		batch:    deps.Batch,
		log:      deps.Logger,
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	if e.batch <= 0 {
		e.batch = DefaultSweepBatch
	}
	if e.log == nil {
		e.log = zap.NewNop()
	}
	return e
}

// Initialize starts SLA tracking for a. It is a no-op when the company has
// the attention engine disabled or the alert is already tracked.
func (e *Engine) Initialize(ctx context.Context, a *alert.Alert, s *company.Settings, traceID string) (bool, error) {
	if !s.Enabled(company.FeatureAttentionEngine) {
		return false, nil
	}
	if a.AttentionState != "" && a.AttentionState != alert.AttentionNone {
		return false, nil
	}
	now := e.clock.Now()
	changed, err := e.store.InitAttention(ctx, store.AttentionInit{
		CompanyID:    a.CompanyID,
		AlertID:      a.ID,
		AckDueAt:     now.Add(s.AckDeadline(a.Severity)),
		ResolveDueAt: now.Add(s.ResolveDeadline(a.Severity)),
		TraceID:      traceID,
	})
	if err != nil {
		return false, err
	}
	if changed {
		e.log.Info("Attention tracking started",
			zap.Int64("company_id", a.CompanyID),
			zap.Int64("alert_id", a.ID),
			zap.String("severity", string(a.Severity)))
	}
	return changed, nil
}

// CheckAndEscalateOverdue escalates every alert whose next escalation is due
// and returns how many were escalated. Failures on one alert are logged and
// the sweep moves on.
func (e *Engine) CheckAndEscalateOverdue(ctx context.Context) (int, error) {
	now := e.clock.Now()
	overdue, err := e.store.ListOverdueAttention(ctx, now, e.batch)
	if err != nil {
		return 0, err
	}
	if len(overdue) == 0 {
		return 0, nil
	}

	settings := make(map[int64]*company.Settings)
	escalated := 0
	for _, a := range overdue {
		if ctx.Err() != nil {
			return escalated, ctx.Err()
		}
		s, ok := settings[a.CompanyID]
		if !ok {
			s, err = e.settings.Get(ctx, a.CompanyID)
			if err != nil {
				e.log.Warn("Skipping escalation, settings unavailable",
					zap.Int64("company_id", a.CompanyID), zap.Int64("alert_id", a.ID), zap.Error(err))
				continue
			}
			settings[a.CompanyID] = s
		}
		done, err := e.escalate(ctx, a, s, now)
		if err != nil {
			e.metrics.RecordError()
			e.log.Error("Failed to escalate alert",
				zap.Int64("company_id", a.CompanyID), zap.Int64("alert_id", a.ID), zap.Error(err))
			continue
		}
		if done {
			escalated++
		}
	}
	if escalated > 0 {
		e.log.Info("Escalated overdue alerts", zap.Int("count", escalated), zap.Int("overdue", len(overdue)))
	}
	return escalated, nil
}

// NextEscalation computes the escalation applied to a at now.
func NextEscalation(a *alert.Alert, s *company.Settings, now time.Time) store.Escalation {
	to := a.EscalationLevel + 1
	var next *time.Time
	if s.MaxEscalationLevel <= 0 || to < s.MaxEscalationLevel {
		at := now.Add(s.EscalationInterval)
		next = &at
	}
	state := a.AttentionState
	if state == alert.AttentionAcked {
		state = alert.AttentionAwaitingResolution
	}
	return store.Escalation{
		CompanyID: a.CompanyID,
		AlertID:   a.ID,
		FromLevel: a.EscalationLevel,
		ToLevel:   to,
		Count:     a.EscalationCount + 1,
		NextAt:    next,
		State:     state,
		Now:       now,
		Tier:      alert.DefaultEscalationFor(a.Severity).Raise(to),
	}
}

// escalate enqueues the notification before recording the new level, so a
// failed enqueue leaves the alert due and the next sweep tries again. Jobs
// for a level that is never recorded, or recorded by a concurrent sweep,
// share the escalation dedupe key and send at most once.
func (e *Engine) escalate(ctx context.Context, a *alert.Alert, s *company.Settings, now time.Time) (bool, error) {
	esc := NextEscalation(a, s, now)
	esc.TraceID = uuid.NewString()

	job, err := dispatch.NewJob(a.CompanyID, a.ID, dispatch.JobPayload{Level: esc.Tier, AttentionLevel: esc.ToLevel})
	if err != nil {
		return false, err
	}
	if err := e.enqueuer.Enqueue(ctx, job.WithTrace(esc.TraceID)); err != nil {
		return false, fmt.Errorf("escalation %d notification not enqueued: %w", esc.ToLevel, err)
	}
	e.metrics.RecordPublished()

	changed, err := e.store.RecordEscalation(ctx, esc)
	if err != nil || !changed {
		return false, err
	}
	e.log.Info("Alert escalated",
		zap.Int64("company_id", a.CompanyID),
		zap.Int64("alert_id", a.ID),
		zap.Int("level", esc.ToLevel),
		zap.String("tier", string(esc.Tier)),
		zap.String("state", string(esc.State)),
		zap.String("trace_id", esc.TraceID))
	return true, nil
}

// Acknowledge records that owner has taken the alert. A repeated
// acknowledgement returns false.
func (e *Engine) Acknowledge(ctx context.Context, companyID, alertID int64, owner string) (bool, error) {
	changed, err := e.store.Acknowledge(ctx, companyID, alertID, owner, uuid.NewString())
	if err != nil {
		return false, err
	}
	e.log.Info("Acknowledge requested",
		zap.Int64("company_id", companyID), zap.Int64("alert_id", alertID),
		zap.String("owner", owner), zap.Bool("changed", changed))
	return changed, nil
}

// Resolve closes attention tracking from any waiting state.
func (e *Engine) Resolve(ctx context.Context, companyID, alertID int64, owner string) (bool, error) {
	changed, err := e.store.ResolveAttention(ctx, companyID, alertID, owner, uuid.NewString())
	if err != nil {
		return false, err
	}
	e.log.Info("Resolve requested",
		zap.Int64("company_id", companyID), zap.Int64("alert_id", alertID),
		zap.String("owner", owner), zap.Bool("changed", changed))
	return changed, nil
}
