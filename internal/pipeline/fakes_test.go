package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/internal/aiclient"
	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/contacts"
	"github.com/vicbravo9895/sam-engine-sub001/internal/preload"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
)

// FakeStore keeps alerts in memory and enforces the same transitions as
// the Postgres store.
type FakeStore struct {
	mu       sync.Mutex
	alerts   map[int64]*alert.Alert
	signals  map[int64]*alert.Signal
	ai       map[int64]*alert.AlertAI
	writes   []store.AssessmentWrite
	claims   int
	applyErr error
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		alerts:  make(map[int64]*alert.Alert),
		signals: make(map[int64]*alert.Signal),
		ai:      make(map[int64]*alert.AlertAI),
	}
}

func (s *FakeStore) put(a *alert.Alert, sig *alert.Signal) {
	s.alerts[a.ID] = a
	s.signals[sig.ID] = sig
}

func (s *FakeStore) GetAlert(_ context.Context, companyID, alertID int64) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.CompanyID != companyID {
		return nil, fmt.Errorf("alert %d: %w", alertID, store.ErrNotFound)
	}
	cp := *a
	return &cp, nil
}

func (s *FakeStore) GetSignal(_ context.Context, companyID, signalID int64) (*alert.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.signals[signalID]
	if !ok || sig.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	return sig, nil
}

func (s *FakeStore) GetAlertAI(_ context.Context, _, alertID int64) (*alert.AlertAI, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ai, ok := s.ai[alertID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *ai
	return &cp, nil
}

func (s *FakeStore) MarkProcessing(_ context.Context, companyID, alertID int64, _ string) (*alert.Alert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.CompanyID != companyID {
		return nil, store.ErrNotFound
	}
	s.claims++
	if a.AIStatus != alert.AIStatusProcessing {
		if !a.AIStatus.CanTransitionTo(alert.AIStatusProcessing) {
			return nil, store.ErrInvalidTransition
		}
		a.AIStatus = alert.AIStatusProcessing
	}
	cp := *a
	return &cp, nil
}

func (s *FakeStore) MarkFailed(_ context.Context, companyID, alertID int64, message, _ string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.alerts[alertID]
	if !ok || a.CompanyID != companyID {
		return false, store.ErrNotFound
	}
	if a.AIStatus.IsTerminal() {
		return false, nil
	}
	a.AIStatus = alert.AIStatusFailed
	a.ErrorMessage = message
	return true, nil
}

func (s *FakeStore) ApplyAssessment(_ context.Context, w store.AssessmentWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return s.applyErr
	}
	a, ok := s.alerts[w.AlertID]
	if !ok {
		return store.ErrNotFound
	}
	if w.ExpectStatus != "" && a.AIStatus != w.ExpectStatus {
		return fmt.Errorf("%w: ai_status is %s", store.ErrStale, a.AIStatus)
	}
	if w.ExpectInvestigationCount != nil {
		count := 0
		if ai, ok := s.ai[w.AlertID]; ok {
			count = ai.InvestigationCount
		}
		if count != *w.ExpectInvestigationCount {
			return fmt.Errorf("%w: investigation_count is %d", store.ErrStale, count)
		}
	}
	if !a.AIStatus.CanTransitionTo(w.Target) {
		return store.ErrInvalidTransition
	}
	a.AIStatus = w.Target
	a.Verdict = w.Assessment.Verdict
	a.Confidence = w.Assessment.Confidence

	ai, ok := s.ai[w.AlertID]
	if !ok {
		ai = &alert.AlertAI{AlertID: w.AlertID}
		s.ai[w.AlertID] = ai
	}
	assessment := w.Assessment
	ai.Assessment = &assessment
	ai.InvestigationCount += w.InvestigationIncrement
	if w.History != nil {
		ai.InvestigationHistory = append(ai.InvestigationHistory, *w.History)
	}
	s.writes = append(s.writes, w)
	return nil
}

type FakeAssessor struct {
	mu          sync.Mutex
	result      *aiclient.Result
	err         error
	ingests     int
	revalidates int
	lastReq     aiclient.Request
	// during runs while the call is in flight.
	during func()
}

func (f *FakeAssessor) Ingest(_ context.Context, req aiclient.Request, _ string) (*aiclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ingests++
	f.lastReq = req
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	f.mu.Lock()
	return f.result, f.err
}

func (f *FakeAssessor) Revalidate(_ context.Context, req aiclient.Request, _ string) (*aiclient.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revalidates++
	f.lastReq = req
	during := f.during
	f.mu.Unlock()
	if during != nil {
		during()
	}
	f.mu.Lock()
	return f.result, f.err
}

type FakeLoader struct {
	err   error
	calls int
}

func (f *FakeLoader) Load(_ context.Context, _ string, q preload.Query) (*preload.Telemetry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &preload.Telemetry{VehicleID: q.VehicleID, Stats: json.RawMessage(`{"speed":80}`)}, nil
}

type FakeResolver struct {
	set *contacts.Set
	err error
}

func (f FakeResolver) Resolve(context.Context, contacts.Query) (*contacts.Set, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.set == nil {
		return &contacts.Set{}, nil
	}
	return f.set, nil
}

type FakeAttention struct {
	alerts []int64
}

func (f *FakeAttention) Initialize(_ context.Context, a *alert.Alert, s *company.Settings, _ string) (bool, error) {
	if !s.Enabled(company.FeatureAttentionEngine) {
		return false, nil
	}
	f.alerts = append(f.alerts, a.ID)
	return true, nil
}

type FakeEvidence struct {
	docs []json.RawMessage
}

func (f *FakeEvidence) Persist(_ context.Context, _, _ int64, doc json.RawMessage) (int, error) {
	f.docs = append(f.docs, doc)
	return 1, nil
}

type FakeNotifier struct {
	recipients [][]string
	reasons    []string
}

func (f *FakeNotifier) AlertFailed(_ context.Context, recipients []string, _ *alert.Alert, reason string) error {
	f.recipients = append(f.recipients, recipients)
	f.reasons = append(f.reasons, reason)
	return nil
}

type scheduled struct {
	job *queue.Job
	at  time.Time
}

type FakeEnqueuer struct {
	mu   sync.Mutex
	now  []*queue.Job
	late []scheduled
}

func (e *FakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = append(e.now, job)
	return nil
}

func (e *FakeEnqueuer) EnqueueAt(_ context.Context, job *queue.Job, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.late = append(e.late, scheduled{job: job, at: at})
	return nil
}

func (e *FakeEnqueuer) lane(l queue.Lane) []*queue.Job {
	var out []*queue.Job
	for _, j := range e.now {
		if j.Lane == l {
			out = append(out, j)
		}
	}
	return out
}

type staticSettings struct {
	token     string
	attention bool
	metering  bool
	opsEmails []string
}

func (p staticSettings) Get(_ context.Context, companyID int64) (*company.Settings, error) {
	s := company.BuiltinDefaults().Resolve(companyID)
	s.Name = "Acme Freight"
	s.TelematicsToken = p.token
	s.OpsEmails = p.opsEmails
	s.Features[company.FeatureAttentionEngine] = p.attention
	s.Features[company.FeatureUsageMetering] = p.metering
	return s, nil
}
