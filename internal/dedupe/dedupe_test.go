package dedupe

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

var now = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newService(t *testing.T) (*Service, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewService(conn, clock.NewManual(now), nil), mock
}

func request() Request {
	return Request{
		CompanyID:      1,
		AlertID:        10,
		DedupeKey:      "panic-veh-9",
		Subject:        Subject{VehicleID: "veh-9"},
		ChannelClass:   ClassNotification,
		DispatchID:     "job-1",
		DedupeWindow:   time.Hour,
		ThrottleWindow: 10 * time.Minute,
	}
}

func dedupeRows(count int, owner string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"count", "dispatch_id"}).AddRow(count, owner)
}

func TestService_ShouldSend(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *Request)
		setupMock func(mock sqlmock.Sqlmock)
		want      Decision
		wantErr   bool
	}{
		{
			name: "first notification passes both gates",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WithArgs("1:panic-veh-9", int64(1), "job-1", now, now.Add(-time.Hour)).
					WillReturnRows(dedupeRows(1, "job-1"))
				mock.ExpectQuery("INSERT INTO notification_throttle_logs").
					WithArgs("1:vehicle:veh-9:notification", int64(1), int64(10), "job-1", now, now.Add(-10*time.Minute)).
					WillReturnRows(sqlmock.NewRows([]string{"alert_id"}).AddRow(int64(10)))
			},
			want: Decision{ShouldSend: true, Reason: ReasonOK},
		},
		{
			name: "duplicate inside window",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(2, "job-0"))
			},
			want: Decision{ShouldSend: false, Reason: ReasonDuplicate},
		},
		{
			name: "retry of the owning dispatch passes again",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(2, "job-1"))
				mock.ExpectQuery("INSERT INTO notification_throttle_logs").
					WillReturnRows(sqlmock.NewRows([]string{"alert_id"}).AddRow(int64(10)))
			},
			want: Decision{ShouldSend: true, Reason: ReasonOK},
		},
		{
			name:   "requests without a dispatch id never own a row",
			mutate: func(r *Request) { r.DispatchID = "" },
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(2, ""))
			},
			want: Decision{ShouldSend: false, Reason: ReasonDuplicate},
		},
		{
			name: "throttled subject",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(1, "job-1"))
				mock.ExpectQuery("INSERT INTO notification_throttle_logs").
					WillReturnRows(sqlmock.NewRows([]string{"alert_id"}))
			},
			want: Decision{ShouldSend: false, Throttled: true, Reason: ReasonThrottled},
		},
		{
			name:   "escalations bypass the throttle",
			mutate: func(r *Request) { r.BypassThrottle = true },
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(1, "job-1"))
			},
			want: Decision{ShouldSend: true, Reason: ReasonOK},
		},
		{
			name:   "zero throttle window disables throttling",
			mutate: func(r *Request) { r.ThrottleWindow = 0 },
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").
					WillReturnRows(dedupeRows(1, "job-1"))
			},
			want: Decision{ShouldSend: true, Reason: ReasonOK},
		},
		{
			name:      "missing key",
			mutate:    func(r *Request) { r.DedupeKey = "" },
			setupMock: func(mock sqlmock.Sqlmock) {},
			wantErr:   true,
		},
		{
			name: "database error",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("INSERT INTO notification_dedupe_log").WillReturnError(errors.New("connection refused"))
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, mock := newService(t)
			tt.setupMock(mock)
			req := request()
			if tt.mutate != nil {
				tt.mutate(&req)
			}

			got, err := svc.ShouldSend(context.Background(), req)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

// The database serializes the upserts; whichever call lands first sees
// count=1. With N concurrent calls at most one may send.
func TestService_ShouldSend_ConcurrentCallsSendOnce(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	mock.MatchExpectationsInOrder(false)

	const n = 5
	for i := 1; i <= n; i++ {
		mock.ExpectQuery("INSERT INTO notification_dedupe_log").
			WillReturnRows(dedupeRows(i, "job-0"))
	}
	mock.ExpectQuery("INSERT INTO notification_throttle_logs").
		WillReturnRows(sqlmock.NewRows([]string{"alert_id"}).AddRow(int64(10)))

	svc := NewService(conn, clock.NewManual(now), nil)
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		sends int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := svc.ShouldSend(context.Background(), request())
			if err != nil {
				t.Errorf("ShouldSend() error = %v", err)
				return
			}
			if d.ShouldSend {
				mu.Lock()
				sends++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, sends)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "alert:1:10:critical", DefaultKey(1, 10, alert.EscalationCritical))
	assert.Equal(t, "attention:10:2", EscalationKey(10, 2))
	assert.Equal(t, "1:driver:d-1:notification", ThrottleKey(1, 10, Subject{DriverID: "d-1"}, ""))
	assert.Equal(t, "1:alert:10:voice", ThrottleKey(1, 10, Subject{}, "voice"))
}
