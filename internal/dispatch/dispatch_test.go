package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/channel"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/contacts"
	"github.com/vicbravo9895/sam-engine-sub001/internal/dedupe"
	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/internal/store"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type FakeProvider struct {
	mu    sync.Mutex
	sends []string
	fail  map[string]bool
}

func (f *FakeProvider) record(kind, to string) channel.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, kind+":"+to)
	if f.fail[kind] {
		return channel.Receipt{Error: kind + " failed"}
	}
	return channel.Receipt{Success: true, SID: kind + "-" + to}
}

func (f *FakeProvider) MakeCall(_ context.Context, to, _ string) channel.Receipt {
	return f.record("call", to)
}

func (f *FakeProvider) SendSMS(_ context.Context, to, _ string) channel.Receipt {
	return f.record("sms", to)
}

func (f *FakeProvider) SendWhatsApp(_ context.Context, to, _ string) channel.Receipt {
	return f.record("whatsapp", to)
}

func (f *FakeProvider) SendWhatsAppTemplate(_ context.Context, to, _ string, _ map[string]string) channel.Receipt {
	return f.record("whatsapp", to)
}

func settings() *company.Settings {
	return company.BuiltinDefaults().Resolve(1)
}

func criticalAlert() *alert.Alert {
	return &alert.Alert{ID: 10, CompanyID: 1, SignalID: 5, Severity: alert.SeverityCritical, AIStatus: alert.AIStatusInvestigating}
}

func TestDispatcher_ChannelOrder(t *testing.T) {
	fake := &FakeProvider{}
	d := NewDispatcher(channel.NewProviderRegistry(fake), clock.NewManual(now), nil)

	results, err := d.Send(context.Background(), Target{
		Alert: criticalAlert(),
		Decision: &alert.NotificationDecision{
			EscalationLevel: alert.EscalationCritical,
			Channels:        []alert.Channel{alert.ChannelSMS, alert.ChannelCall, alert.ChannelWhatsApp},
			MessageText:     "Panic button",
		},
		Recipients: []alert.NotificationRecipient{
			{Type: alert.RecipientSupervisor, Phone: "+3", Priority: 3},
			{Type: alert.RecipientOperator, Phone: "+1", Priority: 1},
			{Type: alert.RecipientMonitoring, WhatsApp: "+2w", Priority: 2},
		},
		Settings: settings(),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{
		"call:+1", "call:+3",
		"whatsapp:+1", "whatsapp:+2w", "whatsapp:+3",
		"sms:+1", "sms:+3",
	}, fake.sends, "monitoring has no phone so it only gets whatsapp")
	require.Len(t, results, 7)
	assert.Equal(t, alert.EscalationCritical, results[0].EscalationLevel)
	assert.True(t, now.Equal(results[0].SentAt))
}

func TestPermittedChannels(t *testing.T) {
	s := settings()
	s.ChannelsEnabled[alert.ChannelWhatsApp] = false

	all := []alert.Channel{alert.ChannelSMS, alert.ChannelWhatsApp, alert.ChannelCall}
	assert.Equal(t, []alert.Channel{alert.ChannelCall, alert.ChannelSMS}, PermittedChannels(all, s, alert.EscalationCritical))
	assert.Equal(t, []alert.Channel{alert.ChannelSMS}, PermittedChannels(all, s, alert.EscalationHigh))
	assert.Empty(t, PermittedChannels(all, s, alert.EscalationNone))
	assert.Empty(t, PermittedChannels([]alert.Channel{alert.ChannelCall}, s, alert.EscalationLow))
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name    string
		results []alert.NotificationResult
		want    Summary
	}{
		{name: "no attempts", want: Summary{Status: alert.NotificationSkipped}},
		{
			name: "all failed",
			results: []alert.NotificationResult{
				{Channel: alert.ChannelSMS, Success: false},
			},
			want: Summary{Status: alert.NotificationFailed},
		},
		{
			name: "partial success keeps first call sid",
			results: []alert.NotificationResult{
				{Channel: alert.ChannelCall, Success: false},
				{Channel: alert.ChannelCall, Success: true, ProviderID: "CA1"},
				{Channel: alert.ChannelCall, Success: true, ProviderID: "CA2"},
				{Channel: alert.ChannelSMS, Success: true, ProviderID: "SM1"},
			},
			want: Summary{
				Status:   alert.NotificationSent,
				Channels: []alert.Channel{alert.ChannelCall, alert.ChannelSMS},
				CallSID:  "CA1",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Summarize(tt.results))
		})
	}
}

func TestDispatcher_IncompleteTarget(t *testing.T) {
	d := NewDispatcher(channel.NewRegistry(), nil, nil)
	_, err := d.Send(context.Background(), Target{Alert: criticalAlert()})
	assert.Error(t, err)
}

type FakeStore struct {
	mu          sync.Mutex
	alert       *alert.Alert
	signal      *alert.Signal
	decision    *alert.NotificationDecision
	recipients  []alert.NotificationRecipient
	decisionErr error
	recordErrs  []error
	outcomes    []store.DispatchOutcome
	statuses    []alert.NotificationStatus
}

func (s *FakeStore) GetAlert(_ context.Context, _, _ int64) (*alert.Alert, error) {
	if s.alert == nil {
		return nil, store.ErrNotFound
	}
	return s.alert, nil
}

func (s *FakeStore) GetSignal(_ context.Context, _, _ int64) (*alert.Signal, error) {
	return s.signal, nil
}

func (s *FakeStore) GetDecision(_ context.Context, _, _ int64) (*alert.NotificationDecision, []alert.NotificationRecipient, error) {
	if s.decisionErr != nil {
		return nil, nil, s.decisionErr
	}
	return s.decision, s.recipients, nil
}

func (s *FakeStore) RecordDispatch(_ context.Context, out store.DispatchOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.recordErrs) > 0 {
		err := s.recordErrs[0]
		s.recordErrs = s.recordErrs[1:]
		return err
	}
	s.outcomes = append(s.outcomes, out)
	return nil
}

func (s *FakeStore) MarkNotificationStatus(_ context.Context, _, _ int64, status alert.NotificationStatus, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, status)
	return nil
}

type FakeGate struct {
	decision dedupe.Decision
	requests []dedupe.Request
}

func (g *FakeGate) ShouldSend(_ context.Context, req dedupe.Request) (dedupe.Decision, error) {
	g.requests = append(g.requests, req)
	return g.decision, nil
}

// WindowGate keeps one owner per dedupe key for the whole test, like a
// dedupe log inside its window.
type WindowGate struct {
	owners map[string]string
}

func (g *WindowGate) ShouldSend(_ context.Context, req dedupe.Request) (dedupe.Decision, error) {
	if g.owners == nil {
		g.owners = make(map[string]string)
	}
	owner, seen := g.owners[req.DedupeKey]
	if seen && owner != req.DispatchID {
		return dedupe.Decision{Reason: dedupe.ReasonDuplicate}, nil
	}
	g.owners[req.DedupeKey] = req.DispatchID
	return allow, nil
}

type FakeEnqueuer struct {
	jobs []*queue.Job
}

func (e *FakeEnqueuer) Enqueue(_ context.Context, job *queue.Job) error {
	e.jobs = append(e.jobs, job)
	return nil
}

func (e *FakeEnqueuer) EnqueueAt(ctx context.Context, job *queue.Job, _ time.Time) error {
	return e.Enqueue(ctx, job)
}

type staticSettings struct{ s *company.Settings }

func (p staticSettings) Get(context.Context, int64) (*company.Settings, error) { return p.s, nil }

type FakeResolver struct{ set *contacts.Set }

func (r FakeResolver) Resolve(context.Context, contacts.Query) (*contacts.Set, error) { return r.set, nil }

type fixture struct {
	store    *FakeStore
	gate     *FakeGate
	enqueuer *FakeEnqueuer
	provider *FakeProvider
	handler  *Handler
}

func newFixture(gate dedupe.Decision) *fixture {
	f := &fixture{
		store: &FakeStore{
			alert:  criticalAlert(),
			signal: &alert.Signal{ID: 5, CompanyID: 1, VehicleID: "veh-1"},
			decision: &alert.NotificationDecision{
				AlertID: 10, CompanyID: 1, ShouldNotify: true,
				EscalationLevel: alert.EscalationCritical,
				Channels:        []alert.Channel{alert.ChannelSMS, alert.ChannelCall},
				MessageText:     "Panic button pressed",
				DedupeKey:       "panic:veh-1",
			},
			recipients: []alert.NotificationRecipient{{Type: alert.RecipientOperator, Phone: "+1", Priority: 1}},
		},
		gate:     &FakeGate{decision: gate},
		enqueuer: &FakeEnqueuer{},
		provider: &FakeProvider{},
	}
	s := settings()
	s.Features[company.FeatureUsageMetering] = true
	f.handler = NewHandler(HandlerDeps{
		Dispatcher: NewDispatcher(channel.NewProviderRegistry(f.provider), clock.NewManual(now), nil),
		Store:      f.store,
		Gate:       f.gate,
		Settings:   staticSettings{s: s},
		Contacts: FakeResolver{set: &contacts.Set{
			Supervisor: []alert.NotificationRecipient{{Type: alert.RecipientSupervisor, Phone: "+9", Priority: 1}},
		}},
		Enqueuer: f.enqueuer,
	})
	return f
}

var allow = dedupe.Decision{ShouldSend: true, Reason: dedupe.ReasonOK}

func TestHandler_SendsAndMeters(t *testing.T) {
	f := newFixture(allow)
	job, err := NewJob(1, 10, JobPayload{})
	require.NoError(t, err)

	require.NoError(t, f.handler.Handle(context.Background(), job))

	assert.Equal(t, []string{"call:+1", "sms:+1"}, f.provider.sends)
	require.Len(t, f.store.outcomes, 1)
	out := f.store.outcomes[0]
	assert.Equal(t, alert.NotificationSent, out.Status)
	assert.Equal(t, "call-+1", out.CallSID)
	assert.Equal(t, job.TraceID, out.TraceID)

	require.Len(t, f.gate.requests, 1)
	req := f.gate.requests[0]
	assert.Equal(t, "panic:veh-1", req.DedupeKey)
	assert.Equal(t, "veh-1", req.Subject.VehicleID)
	assert.False(t, req.BypassThrottle)
	assert.Equal(t, 60*time.Minute, req.DedupeWindow)

	require.Len(t, f.enqueuer.jobs, 2)
	assert.Equal(t, queue.LaneMetering, f.enqueuer.jobs[0].Lane)
	assert.Equal(t, job.TraceID, f.enqueuer.jobs[0].TraceID)
}

func TestHandler_ThrottledSendsNothing(t *testing.T) {
	f := newFixture(dedupe.Decision{Throttled: true, Reason: dedupe.ReasonThrottled})
	job, _ := NewJob(1, 10, JobPayload{})

	require.NoError(t, f.handler.Handle(context.Background(), job))

	assert.Empty(t, f.provider.sends)
	assert.Empty(t, f.store.outcomes)
	assert.Equal(t, []alert.NotificationStatus{alert.NotificationThrottled}, f.store.statuses)
	assert.Empty(t, f.enqueuer.jobs)
}

func TestHandler_DuplicateSendsNothing(t *testing.T) {
	f := newFixture(dedupe.Decision{Reason: dedupe.ReasonDuplicate})
	job, _ := NewJob(1, 10, JobPayload{})

	require.NoError(t, f.handler.Handle(context.Background(), job))
	assert.Empty(t, f.provider.sends)
	assert.Equal(t, []alert.NotificationStatus{alert.NotificationDuplicate}, f.store.statuses)
}

func TestHandler_NoNotificationRequested(t *testing.T) {
	f := newFixture(allow)
	f.store.decision.ShouldNotify = false
	job, _ := NewJob(1, 10, JobPayload{})

	require.NoError(t, f.handler.Handle(context.Background(), job))
	assert.Empty(t, f.gate.requests)
	assert.Empty(t, f.provider.sends)
}

func TestHandler_EscalationWithoutDecision(t *testing.T) {
	f := newFixture(allow)
	f.store.decisionErr = store.ErrNotFound
	job, _ := NewJob(1, 10, JobPayload{Level: alert.EscalationCritical, AttentionLevel: 2})

	require.NoError(t, f.handler.Handle(context.Background(), job))

	require.Len(t, f.gate.requests, 1)
	assert.Equal(t, "attention:10:2", f.gate.requests[0].DedupeKey)
	assert.True(t, f.gate.requests[0].BypassThrottle)
	assert.Equal(t, []string{"call:+9", "whatsapp:+9", "sms:+9"}, f.provider.sends)
	require.Len(t, f.store.outcomes, 1)
	assert.Equal(t, 2, f.store.outcomes[0].Results[0].AttentionLevel)
}

func TestHandler_MissingAlertIsPermanent(t *testing.T) {
	f := newFixture(allow)
	f.store.alert = nil
	job, _ := NewJob(1, 10, JobPayload{})

	err := f.handler.Handle(context.Background(), job)
	require.Error(t, err)
	f.handler.Failed(context.Background(), job, err)
	assert.Empty(t, f.store.statuses, "permanent failures do not touch the alert")

	f.handler.Failed(context.Background(), job, errors.New("gateway timeout"))
	assert.Equal(t, []alert.NotificationStatus{alert.NotificationFailed}, f.store.statuses)
}

func TestHandler_RetryAfterCancelledAttemptStillSends(t *testing.T) {
	f := newFixture(allow)
	f.handler.gate = &WindowGate{}
	job, err := NewJob(1, 10, JobPayload{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = f.handler.Handle(ctx, job)
	require.Error(t, err)
	assert.Empty(t, f.provider.sends)

	retry := job.Next(now.Add(15*time.Second), err)
	require.NoError(t, f.handler.Handle(context.Background(), retry))

	assert.Equal(t, []string{"call:+1", "sms:+1"}, f.provider.sends)
	assert.Empty(t, f.store.statuses)
	require.Len(t, f.store.outcomes, 1)
	assert.Equal(t, alert.NotificationSent, f.store.outcomes[0].Status)

	other, _ := NewJob(1, 10, JobPayload{})
	require.NoError(t, f.handler.Handle(context.Background(), other))
	assert.Equal(t, []alert.NotificationStatus{alert.NotificationDuplicate}, f.store.statuses)
}

func TestHandler_UnrecordedAttemptsAreRecordedOnRetry(t *testing.T) {
	f := newFixture(allow)
	f.handler.gate = &WindowGate{}
	f.store.recordErrs = []error{errors.New("connection reset by peer")}
	job, err := NewJob(1, 10, JobPayload{})
	require.NoError(t, err)

	err = f.handler.Handle(context.Background(), job)
	require.Error(t, err)
	assert.Empty(t, f.store.outcomes)
	assert.Empty(t, f.enqueuer.jobs)

	retry := job.Next(now.Add(15*time.Second), err)
	require.NoError(t, f.handler.Handle(context.Background(), retry))

	assert.Equal(t, []string{"call:+1", "sms:+1"}, f.provider.sends, "attempts are not repeated")
	require.Len(t, f.store.outcomes, 1)
	out := f.store.outcomes[0]
	assert.Len(t, out.Results, 2)
	assert.Equal(t, alert.NotificationSent, out.Status)
	assert.Equal(t, "call-+1", out.CallSID)
	assert.Len(t, f.enqueuer.jobs, 2)
}

func TestHandler_GateCheckCarriesJobID(t *testing.T) {
	f := newFixture(allow)
	job, _ := NewJob(1, 10, JobPayload{})

	require.NoError(t, f.handler.Handle(context.Background(), job))
	require.Len(t, f.gate.requests, 1)
	assert.Equal(t, job.ID, f.gate.requests[0].DispatchID)
}
