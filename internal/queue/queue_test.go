package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicbravo9895/sam-engine-sub001/internal/failure"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

type FakeWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
}

func (w *FakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *FakeWriter) Close() error { return nil }

type FakeEnqueuer struct {
	mu   sync.Mutex
	jobs []*Job
	at   []time.Time
	err  error
}

func (e *FakeEnqueuer) Enqueue(ctx context.Context, job *Job) error {
	return e.EnqueueAt(ctx, job, time.Time{})
}

func (e *FakeEnqueuer) EnqueueAt(_ context.Context, job *Job, at time.Time) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.jobs = append(e.jobs, job)
	e.at = append(e.at, at)
	return nil
}

type FakeHandler struct {
	mu        sync.Mutex
	err       error
	handled   int
	failed    []*Job
	failedErr error
}

func (h *FakeHandler) Handle(context.Context, *Job) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handled++
	return h.err
}

func (h *FakeHandler) Failed(_ context.Context, job *Job, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = append(h.failed, job)
	h.failedErr = err
}

func TestNewJob(t *testing.T) {
	job, err := NewJob(LaneAIProcessing, KindProcessAlert, 1, 10, map[string]string{"source": "samsara"})
	require.NoError(t, err)
	assert.Equal(t, 1, job.Attempt)
	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.TraceID)
	assert.Equal(t, []byte("10"), job.Key())

	var payload map[string]string
	require.NoError(t, job.Decode(&payload))
	assert.Equal(t, "samsara", payload["source"])

	meter, err := NewJob(LaneMetering, KindRecordUsage, 7, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("company:7"), meter.Key())
	assert.Error(t, meter.Decode(&payload))

	next := job.Next(now, errors.New("boom"))
	assert.Equal(t, 2, next.Attempt)
	assert.Equal(t, "boom", next.LastError)
	assert.Equal(t, job.TraceID, next.TraceID)
	assert.Equal(t, 1, job.Attempt, "original job untouched")
}

func TestPolicy(t *testing.T) {
	ai := PolicyFor(LaneAIProcessing)
	assert.True(t, ai.CanRetry(1))
	assert.True(t, ai.CanRetry(2))
	assert.False(t, ai.CanRetry(3))
	assert.Equal(t, 30*time.Second, ai.Delay(1))
	assert.Equal(t, 60*time.Second, ai.Delay(2))

	reval := PolicyFor(LaneRevalidation)
	assert.True(t, reval.CanRetry(1))
	assert.False(t, reval.CanRetry(2))

	metering := PolicyFor(LaneMetering)
	assert.Equal(t, 60*time.Second, metering.Delay(9), "last backoff repeats")
	assert.Equal(t, 1, PolicyFor("unknown").MaxAttempts)

	_, err := ParseLane("ai-processing")
	assert.NoError(t, err)
	_, err = ParseLane("nope")
	assert.Error(t, err)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	w := &FakeWriter{}
	p := NewPublisherWithWriter(w, "sam", clock.NewManual(now), nil)
	job, err := NewJob(LaneNotifications, KindNotify, 1, 10, nil)
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), job))
	require.Len(t, w.messages, 1)
	msg := w.messages[0]
	assert.Equal(t, "sam.notifications", msg.Topic)
	assert.Equal(t, []byte("10"), msg.Key)

	var decoded Job
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, job.ID, decoded.ID)
	assert.True(t, now.Equal(decoded.EnqueuedAt))

	w.err = errors.New("leader not available")
	assert.Error(t, p.Publish(context.Background(), job))
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func TestDelayedStore_ClaimDue(t *testing.T) {
	_, rdb := newRedis(t)
	store := NewDelayedStore(rdb, nil)
	ctx := context.Background()

	due, _ := NewJob(LaneRevalidation, KindRevalidateAlert, 1, 10, nil)
	later, _ := NewJob(LaneRevalidation, KindRevalidateAlert, 1, 11, nil)
	require.NoError(t, store.Add(ctx, due, now.Add(-time.Second)))
	require.NoError(t, store.Add(ctx, later, now.Add(time.Hour)))
	require.NoError(t, rdb.ZAdd(ctx, DelayedKey, redis.Z{Score: 1, Member: "not-json"}).Err())

	jobs, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, due.ID, jobs[0].ID)

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "claimed and unreadable members are removed")

	again, err := store.ClaimDue(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClient_EnqueueAt(t *testing.T) {
	_, rdb := newRedis(t)
	w := &FakeWriter{}
	clk := clock.NewManual(now)
	store := NewDelayedStore(rdb, nil)
	c := NewClient(NewPublisherWithWriter(w, "sam", clk, nil), store, clk)
	ctx := context.Background()

	immediate, _ := NewJob(LaneNotifications, KindNotify, 1, 10, nil)
	require.NoError(t, c.Enqueue(ctx, immediate))
	past, _ := NewJob(LaneNotifications, KindNotify, 1, 10, nil)
	require.NoError(t, c.EnqueueAt(ctx, past, now.Add(-time.Minute)))
	future, _ := NewJob(LaneRevalidation, KindRevalidateAlert, 1, 10, nil)
	require.NoError(t, c.EnqueueAt(ctx, future, now.Add(15*time.Minute)))

	assert.Len(t, w.messages, 2)
	n, _ := store.Len(ctx)
	assert.Equal(t, int64(1), n)
}

func TestPump_RunOnce(t *testing.T) {
	_, rdb := newRedis(t)
	w := &FakeWriter{}
	clk := clock.NewManual(now)
	store := NewDelayedStore(rdb, nil)
	pump := NewPump(store, NewPublisherWithWriter(w, "sam", clk, nil), nil, clk, nil)
	ctx := context.Background()

	job, _ := NewJob(LaneRevalidation, KindRevalidateAlert, 1, 10, nil)
	require.NoError(t, store.Add(ctx, job, now.Add(time.Minute)))

	n, err := pump.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not yet due")

	clk.Advance(time.Minute)
	w.err = errors.New("broker down")
	n, err = pump.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	left, _ := store.Len(ctx)
	assert.Equal(t, int64(1), left, "failed publish returns the job")

	w.err = nil
	clk.Advance(pumpRepublishDelay)
	n, err = pump.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, w.messages, 1)
	assert.Equal(t, "sam.revalidation", w.messages[0].Topic)
}

func TestRunner_Execute(t *testing.T) {
	tests := []struct {
		name        string
		lane        Lane
		attempt     int
		handlerErr  error
		enqueueErr  error
		want        Outcome
		wantDelay   time.Duration
		wantFailed  bool
	}{
		{name: "success", lane: LaneAIProcessing, attempt: 1, want: OutcomeDone},
		{
			name:       "capacity error schedules attempt 2 after 30s",
			lane:       LaneAIProcessing,
			attempt:    1,
			handlerErr: failure.Capacity("ai.ingest", failure.CapacityStats{ActiveRequests: 8, PendingRequests: 2}),
			want:       OutcomeRetried,
			wantDelay:  30 * time.Second,
		},
		{
			name:       "second failure waits 60s",
			lane:       LaneAIProcessing,
			attempt:    2,
			handlerErr: failure.Transport("ai.ingest", errors.New("reset")),
			want:       OutcomeRetried,
			wantDelay:  60 * time.Second,
		},
		{
			name:       "budget exhausted",
			lane:       LaneAIProcessing,
			attempt:    3,
			handlerErr: failure.Transport("ai.ingest", errors.New("reset")),
			want:       OutcomeFailed,
			wantFailed: true,
		},
		{
			name:       "configuration error is fatal on first attempt",
			lane:       LaneAIProcessing,
			attempt:    1,
			handlerErr: failure.Configuration("settings", errors.New("missing telematics token")),
			want:       OutcomeFailed,
			wantFailed: true,
		},
		{
			name:       "retry cannot be scheduled",
			lane:       LaneNotifications,
			attempt:    1,
			handlerErr: errors.New("timeout"),
			enqueueErr: errors.New("redis down"),
			want:       OutcomeRedeliver,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := &FakeHandler{err: tt.handlerErr}
			enq := &FakeEnqueuer{err: tt.enqueueErr}
			r := NewRunner(RunnerConfig{Lane: tt.lane}, nil, h, enq, nil, clock.NewManual(now), nil)

			job, _ := NewJob(tt.lane, KindProcessAlert, 1, 10, nil)
			job.Attempt = tt.attempt

			got := r.Execute(context.Background(), job)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantFailed, len(h.failed) == 1)
			if tt.want == OutcomeRetried {
				require.Len(t, enq.jobs, 1)
				assert.Equal(t, tt.attempt+1, enq.jobs[0].Attempt)
				assert.Equal(t, now.Add(tt.wantDelay), enq.at[0])
				assert.Equal(t, job.TraceID, enq.jobs[0].TraceID)
			}
		})
	}
}

type FakeReader struct {
	mu        sync.Mutex
	messages  chan kafka.Message
	committed []kafka.Message
}

func (r *FakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case msg := <-r.messages:
		return msg, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *FakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *FakeReader) Close() error { return nil }

func (r *FakeReader) commits() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed)
}

func TestRunner_RunCommitsEveryHandledMessage(t *testing.T) {
	reader := &FakeReader{messages: make(chan kafka.Message, 3)}
	job, _ := NewJob(LaneMetering, KindRecordUsage, 1, 0, nil)
	value, err := json.Marshal(job)
	require.NoError(t, err)
	reader.messages <- kafka.Message{Value: value, Offset: 1}
	reader.messages <- kafka.Message{Value: []byte("garbage"), Offset: 2}

	h := &FakeHandler{}
	r := NewRunner(RunnerConfig{Lane: LaneMetering, Workers: 2}, reader, h, &FakeEnqueuer{}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return reader.commits() == 2 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
	assert.Equal(t, 1, h.handled)
}

func TestMux(t *testing.T) {
	m := NewMux(nil)
	h := &FakeHandler{}
	m.Register(KindNotify, h)

	job, _ := NewJob(LaneNotifications, KindNotify, 1, 10, nil)
	require.NoError(t, m.Handle(context.Background(), job))
	assert.Equal(t, 1, h.handled)

	job.Kind = "unknown"
	err := m.Handle(context.Background(), job)
	assert.Equal(t, failure.Fatal, failure.Classify(err))
	m.Failed(context.Background(), job, err)
	assert.Empty(t, h.failed)
}
