package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

func channelStrings(in []alert.Channel) []string {
	out := make([]string, len(in))
	for i, c := range in {
		out[i] = string(c)
	}
	return out
}

func upsertDecision(ctx context.Context, tx *sql.Tx, companyID, alertID int64, d *alert.NotificationDecision, recipients []alert.NotificationRecipient, now time.Time) error {
	level := d.EscalationLevel
	if level == "" {
		level = alert.EscalationNone
	}
	upsert := `
		INSERT INTO notification_decisions (alert_id, company_id, should_notify, escalation_level, channels,
			message_text, call_script, dedupe_key, reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (alert_id) DO UPDATE SET
			should_notify = EXCLUDED.should_notify,
			escalation_level = EXCLUDED.escalation_level,
			channels = EXCLUDED.channels,
			message_text = EXCLUDED.message_text,
			call_script = EXCLUDED.call_script,
			dedupe_key = EXCLUDED.dedupe_key,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
		RETURNING id
	`
	var decisionID int64
	if err := tx.QueryRowContext(ctx, upsert, alertID, companyID, d.ShouldNotify, level,
		pq.Array(channelStrings(d.Channels)), d.MessageText, d.CallScript, d.DedupeKey, d.Reason, now,
	).Scan(&decisionID); err != nil {
		return fmt.Errorf("failed to upsert notification decision: %w", err)
	}

	del := `DELETE FROM notification_recipients WHERE decision_id = $1 AND company_id = $2`
	if _, err := tx.ExecContext(ctx, del, decisionID, companyID); err != nil {
		return fmt.Errorf("failed to clear notification recipients: %w", err)
	}
	if len(recipients) == 0 {
		return nil
	}
	rows, err := json.Marshal(recipients)
	if err != nil {
		return fmt.Errorf("failed to marshal recipients: %w", err)
	}
	insert := `
		INSERT INTO notification_recipients (decision_id, company_id, recipient_type, name, phone, whatsapp, priority)
		SELECT $1, $2, r.type, r.name, r.phone, r.whatsapp, r.priority
		FROM jsonb_to_recordset($3::jsonb) AS r(type text, name text, phone text, whatsapp text, priority int)
	`
	if _, err := tx.ExecContext(ctx, insert, decisionID, companyID, rows); err != nil {
		return fmt.Errorf("failed to insert notification recipients: %w", err)
	}
	return nil
}

// GetDecision returns the alert's notification decision and its recipients
// ordered by priority.
func (db *DB) GetDecision(ctx context.Context, companyID, alertID int64) (*alert.NotificationDecision, []alert.NotificationRecipient, error) {
	query := `
		SELECT id, should_notify, escalation_level, channels, COALESCE(message_text, ''), COALESCE(call_script, ''),
			COALESCE(dedupe_key, ''), COALESCE(reason, '')
		FROM notification_decisions
		WHERE alert_id = $1 AND company_id = $2
	`
	var (
		decisionID int64
		d          = alert.NotificationDecision{AlertID: alertID, CompanyID: companyID}
		channels   []string
	)
	err := db.conn.QueryRowContext(ctx, query, alertID, companyID).Scan(
		&decisionID, &d.ShouldNotify, &d.EscalationLevel, pq.Array(&channels),
		&d.MessageText, &d.CallScript, &d.DedupeKey, &d.Reason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("notification decision for alert %d: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get notification decision: %w", err)
	}
	for _, c := range channels {
		d.Channels = append(d.Channels, alert.Channel(c))
	}

	recipientsQuery := `
		SELECT recipient_type, COALESCE(name, ''), COALESCE(phone, ''), COALESCE(whatsapp, ''), priority
		FROM notification_recipients
		WHERE decision_id = $1 AND company_id = $2
		ORDER BY priority, id
	`
	rows, err := db.conn.QueryContext(ctx, recipientsQuery, decisionID, companyID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query notification recipients: %w", err)
	}
	defer rows.Close()

	var recipients []alert.NotificationRecipient
	for rows.Next() {
		var r alert.NotificationRecipient
		if err := rows.Scan(&r.Type, &r.Name, &r.Phone, &r.WhatsApp, &r.Priority); err != nil {
			return nil, nil, fmt.Errorf("failed to scan notification recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating notification recipients: %w", err)
	}
	return &d, recipients, nil
}

// DispatchOutcome is the persisted result of one dispatcher run.
type DispatchOutcome struct {
	CompanyID int64
	AlertID   int64
	Status    alert.NotificationStatus
	// Channels that had at least one successful attempt.
	Channels []alert.Channel
	Results  []alert.NotificationResult
	// CallSID is the provider id of the first successful call, if any.
	CallSID string
	TraceID string
}

type resultRow struct {
	Channel         string    `json:"channel"`
	RecipientType   string    `json:"recipient_type"`
	To              string    `json:"to_address"`
	Success         bool      `json:"success"`
	ProviderID      string    `json:"provider_id"`
	Error           string    `json:"error"`
	EscalationLevel string    `json:"escalation_level"`
	AttentionLevel  int       `json:"attention_level"`
	SentAt          time.Time `json:"sent_at"`
}

// RecordDispatch appends the attempt results, updates the alert's
// notification fields and emits the notification event in one transaction.
// An existing call SID is never overwritten.
func (db *DB) RecordDispatch(ctx context.Context, out DispatchOutcome) error {
	now := db.clock.Now()
	rows := make([]resultRow, 0, len(out.Results))
	for _, r := range out.Results {
		sentAt := r.SentAt
		if sentAt.IsZero() {
			sentAt = now
		}
		rows = append(rows, resultRow{
			Channel:         string(r.Channel),
			RecipientType:   r.RecipientType,
			To:              r.To,
			Success:         r.Success,
			ProviderID:      r.ProviderID,
			Error:           r.Error,
			EscalationLevel: string(r.EscalationLevel),
			AttentionLevel:  r.AttentionLevel,
			SentAt:          sentAt,
		})
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return fmt.Errorf("failed to marshal notification results: %w", err)
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		if len(rows) > 0 {
			insert := `
				INSERT INTO notification_results (alert_id, company_id, channel, recipient_type, to_address, success,
					provider_id, error, escalation_level, attention_level, sent_at)
				SELECT $1, $2, r.channel, r.recipient_type, r.to_address, r.success,
					NULLIF(r.provider_id, ''), NULLIF(r.error, ''), r.escalation_level, r.attention_level, r.sent_at
				FROM jsonb_to_recordset($3::jsonb) AS r(channel text, recipient_type text, to_address text,
					success boolean, provider_id text, error text, escalation_level text, attention_level int,
					sent_at timestamptz)
			`
			if _, err := tx.ExecContext(ctx, insert, out.AlertID, out.CompanyID, payload); err != nil {
				return fmt.Errorf("failed to insert notification results: %w", err)
			}
		}

		var (
			channels any
			sentAt   any
		)
		if len(out.Channels) > 0 {
			channels = pq.Array(channelStrings(out.Channels))
		}
		if out.Status == alert.NotificationSent {
			sentAt = now
		}
		update := `
			UPDATE alerts
			SET notification_status = $3,
				notification_channels = COALESCE($4, notification_channels),
				notification_sent_at = COALESCE($5, notification_sent_at),
				notification_call_sid = COALESCE(notification_call_sid, NULLIF($6, '')),
				updated_at = $7
			WHERE id = $1 AND company_id = $2
		`
		res, err := tx.ExecContext(ctx, update, out.AlertID, out.CompanyID, out.Status, channels, sentAt, out.CallSID, now)
		if err != nil {
			return fmt.Errorf("failed to update alert notification fields: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("alert %d: %w", out.AlertID, ErrNotFound)
		}

		var eventType string
		switch out.Status {
		case alert.NotificationSent:
			eventType = alert.EventNotificationSent
		case alert.NotificationFailed:
			eventType = alert.EventNotificationFailed
		default:
			return nil
		}
		return insertEvent(ctx, tx, db.event(out.CompanyID, out.AlertID, eventType, out.TraceID,
			map[string]any{
				"channels": out.Channels,
				"attempts": len(out.Results),
				"call_sid": out.CallSID,
			}))
	})
}

// MarkNotificationStatus records a notification that was not sent (throttled,
// duplicate or skipped). Throttled and duplicate outcomes emit a throttled event.
func (db *DB) MarkNotificationStatus(ctx context.Context, companyID, alertID int64, status alert.NotificationStatus, reason, traceID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		update := `UPDATE alerts SET notification_status = $3, updated_at = $4 WHERE id = $1 AND company_id = $2`
		res, err := tx.ExecContext(ctx, update, alertID, companyID, status, db.clock.Now())
		if err != nil {
			return fmt.Errorf("failed to update notification status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
		}
		if status != alert.NotificationThrottled && status != alert.NotificationDuplicate {
			return nil
		}
		return insertEvent(ctx, tx, db.event(companyID, alertID, alert.EventNotificationThrottled, traceID,
			map[string]any{"status": status, "reason": reason}))
	})
}

// UpdateDeliveryStatus applies a provider delivery callback to the results
// carrying providerID. It returns the number of rows updated.
func (db *DB) UpdateDeliveryStatus(ctx context.Context, companyID int64, providerID, status string) (int64, error) {
	query := `
		UPDATE notification_results
		SET delivery_status = $3, delivery_updated_at = $4
		WHERE provider_id = $1 AND company_id = $2
	`
	res, err := db.conn.ExecContext(ctx, query, providerID, companyID, status, db.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to update delivery status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}
