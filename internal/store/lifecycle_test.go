package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

const waitingStatesArg = `{"awaiting_ack","acked","awaiting_resolution"}`

func TestDB_RecordDispatch(t *testing.T) {
	out := DispatchOutcome{
		CompanyID: 1,
		AlertID:   10,
		Status:    alert.NotificationSent,
		Channels:  []alert.Channel{alert.ChannelCall},
		Results: []alert.NotificationResult{
			{Channel: alert.ChannelCall, RecipientType: alert.RecipientMonitoring, To: "+1555", Success: true, ProviderID: "CA1"},
			{Channel: alert.ChannelSMS, RecipientType: alert.RecipientMonitoring, To: "+1555", Error: "undeliverable"},
		},
		CallSID: "CA1",
		TraceID: "trace-1",
	}

	t.Run("sent", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO notification_results").
			WithArgs(int64(10), int64(1), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
		mock.ExpectExec("UPDATE alerts SET notification_status = \\$3, notification_channels").
			WithArgs(int64(10), int64(1), "sent", `{"call"}`, testNow, "CA1", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(eventInsert).
			WithArgs(int64(1), int64(10), alert.EventNotificationSent, sqlmock.AnyArg(), "trace-1", testNow).
			WillReturnResult(sqlmock.NewResult(1, 1))
		mock.ExpectCommit()

		require.NoError(t, db.RecordDispatch(context.Background(), out))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("skipped writes status only", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE alerts SET notification_status").
			WithArgs(int64(10), int64(1), "skipped", nil, nil, "", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, db.RecordDispatch(context.Background(), DispatchOutcome{
			CompanyID: 1, AlertID: 10, Status: alert.NotificationSkipped,
		}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("results insert failure rolls back", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO notification_results").WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		assert.Error(t, db.RecordDispatch(context.Background(), out))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_MarkNotificationStatus(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE alerts SET notification_status = \\$3, updated_at = \\$4").
		WithArgs(int64(10), int64(1), "throttled", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(eventInsert).
		WithArgs(int64(1), int64(10), alert.EventNotificationThrottled, sqlmock.AnyArg(), "t", testNow).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, db.MarkNotificationStatus(context.Background(), 1, 10, alert.NotificationThrottled, "throttled", "t"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_GetDecision(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("SELECT id, should_notify, escalation_level, channels").
		WithArgs(int64(10), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "should_notify", "escalation_level", "channels",
			"message_text", "call_script", "dedupe_key", "reason"}).
			AddRow(int64(77), true, "high", "{whatsapp,sms}", "msg", "", "k-1", "harsh brake"))
	mock.ExpectQuery("SELECT recipient_type, (.+) FROM notification_recipients").
		WithArgs(int64(77), int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"recipient_type", "name", "phone", "whatsapp", "priority"}).
			AddRow("operator", "Ana", "+1555", "", int64(1)).
			AddRow("supervisor", "Luis", "+1666", "+1777", int64(2)))

	d, recipients, err := db.GetDecision(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, alert.EscalationHigh, d.EscalationLevel)
	assert.Equal(t, []alert.Channel{alert.ChannelWhatsApp, alert.ChannelSMS}, d.Channels)
	require.Len(t, recipients, 2)
	assert.Equal(t, "+1777", recipients[1].WhatsApp)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_UpdateDeliveryStatus(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectExec("UPDATE notification_results SET delivery_status").
		WithArgs("SM1", int64(1), "delivered", testNow).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := db.UpdateDeliveryStatus(context.Background(), 1, "SM1", "delivered")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_AttentionTransitions(t *testing.T) {
	ackDue := testNow.Add(5 * time.Minute)
	resolveDue := testNow.Add(30 * time.Minute)

	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		run       func(db *DB) (bool, error)
		want      bool
	}{
		{
			name: "init from none",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET attention_state = \\$3, ack_status = \\$4, ack_due_at").
					WithArgs(int64(10), int64(1), "awaiting_ack", "pending", ackDue, resolveDue, testNow, "none").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(eventInsert).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.InitAttention(context.Background(), AttentionInit{
					CompanyID: 1, AlertID: 10, AckDueAt: ackDue, ResolveDueAt: resolveDue,
				})
			},
			want: true,
		},
		{
			name: "init twice is a no-op",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET attention_state").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.InitAttention(context.Background(), AttentionInit{CompanyID: 1, AlertID: 10})
			},
		},
		{
			name: "acknowledge",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET attention_state = \\$3, ack_status = \\$4, owner = \\$5").
					WithArgs(int64(10), int64(1), "acked", "acked", "ana", testNow, "awaiting_ack").
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(eventInsert).
					WithArgs(int64(1), int64(10), alert.EventAttentionAcknowledged, sqlmock.AnyArg(), "", testNow).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.Acknowledge(context.Background(), 1, 10, "ana", "")
			},
			want: true,
		},
		{
			name: "duplicate acknowledge has no side effects",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET attention_state").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.Acknowledge(context.Background(), 1, 10, "ana", "")
			},
		},
		{
			name: "escalation applies at the expected level",
			setupMock: func(mock sqlmock.Sqlmock) {
				next := testNow.Add(10 * time.Minute)
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET escalation_level = \\$3").
					WithArgs(int64(10), int64(1), 1, 1, next, "awaiting_ack", testNow, 0, waitingStatesArg).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(eventInsert).
					WithArgs(int64(1), int64(10), alert.EventAttentionEscalated, sqlmock.AnyArg(), "", testNow).
					WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				next := testNow.Add(10 * time.Minute)
				return db.RecordEscalation(context.Background(), Escalation{
					CompanyID: 1, AlertID: 10, FromLevel: 0, ToLevel: 1, Count: 1,
					NextAt: &next, State: alert.AttentionAwaitingAck, Now: testNow, Tier: alert.EscalationCritical,
				})
			},
			want: true,
		},
		{
			name: "escalation lost to a concurrent sweep",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET escalation_level").WillReturnResult(sqlmock.NewResult(0, 0))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.RecordEscalation(context.Background(), Escalation{CompanyID: 1, AlertID: 10, Now: testNow})
			},
		},
		{
			name: "resolve",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec("UPDATE alerts SET attention_state = \\$3, owner = COALESCE").
					WithArgs(int64(10), int64(1), "resolved", nil, testNow, waitingStatesArg).
					WillReturnResult(sqlmock.NewResult(0, 1))
				mock.ExpectExec(eventInsert).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectCommit()
			},
			run: func(db *DB) (bool, error) {
				return db.ResolveAttention(context.Background(), 1, 10, "", "")
			},
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			tt.setupMock(mock)
			got, err := tt.run(db)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestDB_ListOverdueAttention(t *testing.T) {
	db, mock := newMockDB(t)
	due := testNow.Add(-time.Minute)
	a := baseAlert(alert.AIStatusCompleted)
	a.AttentionState = alert.AttentionAwaitingAck
	a.NextEscalationAt = &due

	mock.ExpectQuery("SELECT (.+) FROM alerts WHERE attention_state = ANY").
		WithArgs(waitingStatesArg, testNow, 50).
		WillReturnRows(alertRows(a))

	alerts, err := db.ListOverdueAttention(context.Background(), testNow, 50)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, alert.AttentionAwaitingAck, alerts[0].AttentionState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_RewriteEvidence(t *testing.T) {
	rewrite := func(cur json.RawMessage) (json.RawMessage, bool, error) {
		if string(cur) == `{"images":["s3://kept"]}` {
			return cur, false, nil
		}
		return json.RawMessage(`{"images":["s3://kept"]}`), true, nil
	}

	t.Run("rewrites under lock", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT supporting_evidence FROM alert_ai (.+) FOR UPDATE").
			WithArgs(int64(10), int64(1)).
			WillReturnRows(sqlmock.NewRows([]string{"supporting_evidence"}).AddRow([]byte(`{"images":["https://x/a.jpg"]}`)))
		mock.ExpectExec("UPDATE alert_ai SET supporting_evidence").
			WithArgs(int64(10), int64(1), []byte(`{"images":["s3://kept"]}`), testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		require.NoError(t, db.RewriteEvidence(context.Background(), 1, 10, rewrite))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unchanged evidence is not written", func(t *testing.T) {
		db, mock := newMockDB(t)
		mock.ExpectBegin()
		mock.ExpectQuery("SELECT supporting_evidence").
			WillReturnRows(sqlmock.NewRows([]string{"supporting_evidence"}).AddRow([]byte(`{"images":["s3://kept"]}`)))
		mock.ExpectCommit()

		require.NoError(t, db.RewriteEvidence(context.Background(), 1, 10, rewrite))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestDB_DomainEventOutbox(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery("UPDATE domain_events SET next_attempt_at = \\$2, attempts = attempts \\+ 1").
		WithArgs(testNow, testNow.Add(time.Minute), 100).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "alert_id", "event_type", "payload",
			"trace_id", "occurred_at", "attempts"}).
			AddRow(int64(1), int64(1), int64(10), alert.EventAlertCreated, []byte(`{}`), "t", testNow, int64(1)))
	mock.ExpectExec("UPDATE domain_events SET published_at").
		WithArgs("{1}", testNow).WillReturnResult(sqlmock.NewResult(0, 1))

	events, err := db.ClaimDomainEvents(context.Background(), 100, time.Minute)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, alert.EventAlertCreated, events[0].Type)

	require.NoError(t, db.MarkDomainEventsPublished(context.Background(), []int64{events[0].ID}))
	require.NoError(t, db.MarkDomainEventsPublished(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDB_PendingWebhooks(t *testing.T) {
	db, mock := newMockDB(t)
	next := testNow.Add(5 * time.Minute)

	mock.ExpectQuery("INSERT INTO pending_webhooks").
		WithArgs(int64(1), "samsara", []byte(`{}`), "missing vehicle", WebhookPending, next, testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(3)))
	mock.ExpectQuery("UPDATE pending_webhooks SET next_attempt_at = \\$3").
		WithArgs(testNow, WebhookPending, testNow.Add(time.Minute), 20).
		WillReturnRows(sqlmock.NewRows([]string{"id", "company_id", "source", "payload", "attempts",
			"last_error", "status", "next_attempt_at"}).
			AddRow(int64(3), int64(1), "samsara", []byte(`{}`), int64(1), "missing vehicle", WebhookPending, testNow))
	mock.ExpectExec("UPDATE pending_webhooks SET attempts = \\$2").
		WithArgs(int64(3), 2, next, "still missing", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pending_webhooks SET status = \\$2, attempts").
		WithArgs(int64(3), WebhookExhausted, 5, "gave up", testNow).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE pending_webhooks SET status = \\$2, updated_at").
		WithArgs(int64(3), WebhookDelivered, testNow).WillReturnResult(sqlmock.NewResult(0, 1))

	ctx := context.Background()
	id, err := db.ParkWebhook(ctx, 1, "samsara", json.RawMessage(`{}`), "missing vehicle", next)
	require.NoError(t, err)
	assert.Equal(t, int64(3), id)

	due, err := db.ClaimDueWebhooks(ctx, 20, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempts)

	require.NoError(t, db.MarkWebhookRetry(ctx, 3, 2, next, "still missing"))
	require.NoError(t, db.MarkWebhookExhausted(ctx, 3, 5, "gave up"))
	require.NoError(t, db.MarkWebhookDelivered(ctx, 3))
	assert.NoError(t, mock.ExpectationsWereMet())
}
