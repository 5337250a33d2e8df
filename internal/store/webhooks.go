package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Pending webhook statuses.
const (
	WebhookPending   = "pending"
	WebhookDelivered = "delivered"
	WebhookExhausted = "exhausted"
)

// PendingWebhook is an inbound payload that could not be mapped and waits for
// another attempt.
type PendingWebhook struct {
	ID            int64
	CompanyID     int64
	Source        string
	Payload       json.RawMessage
	Attempts      int
	LastError     string
	Status        string
	NextAttemptAt time.Time
}

// ParkWebhook stores an unmappable payload for a later retry.
func (db *DB) ParkWebhook(ctx context.Context, companyID int64, source string, payload json.RawMessage, lastErr string, nextAttempt time.Time) (int64, error) {
	query := `
		INSERT INTO pending_webhooks (company_id, source, payload, attempts, last_error, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, 1, $4, $5, $6, $7, $7)
		RETURNING id
	`
	var id int64
	err := db.conn.QueryRowContext(ctx, query, companyID, source, []byte(payload), lastErr, WebhookPending,
		nextAttempt, db.clock.Now()).Scan(&id)
	if isForeignKeyViolation(err) {
		return 0, fmt.Errorf("company %d: %w", companyID, ErrUnknownCompany)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to park webhook: %w", err)
	}
	return id, nil
}

// ClaimDueWebhooks leases up to limit pending webhooks that are due.
func (db *DB) ClaimDueWebhooks(ctx context.Context, limit int, lease time.Duration) ([]PendingWebhook, error) {
	now := db.clock.Now()
	query := `
		UPDATE pending_webhooks
		SET next_attempt_at = $3, updated_at = $1
		WHERE id IN (
			SELECT id FROM pending_webhooks
			WHERE status = $2 AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, company_id, source, payload, attempts, COALESCE(last_error, ''), status, next_attempt_at
	`
	rows, err := db.conn.QueryContext(ctx, query, now, WebhookPending, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending webhooks: %w", err)
	}
	defer rows.Close()

	var out []PendingWebhook
	for rows.Next() {
		var (
			w       PendingWebhook
			payload []byte
		)
		if err := rows.Scan(&w.ID, &w.CompanyID, &w.Source, &payload, &w.Attempts, &w.LastError,
			&w.Status, &w.NextAttemptAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending webhook: %w", err)
		}
		w.Payload = payload
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending webhooks: %w", err)
	}
	return out, nil
}

// MarkWebhookDelivered closes a pending webhook after a successful retry.
func (db *DB) MarkWebhookDelivered(ctx context.Context, id int64) error {
	query := `UPDATE pending_webhooks SET status = $2, updated_at = $3 WHERE id = $1`
	if _, err := db.conn.ExecContext(ctx, query, id, WebhookDelivered, db.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark webhook delivered: %w", err)
	}
	return nil
}

// MarkWebhookRetry records a failed retry and schedules the next one.
func (db *DB) MarkWebhookRetry(ctx context.Context, id int64, attempts int, nextAttempt time.Time, lastErr string) error {
	query := `
		UPDATE pending_webhooks
		SET attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = $5
		WHERE id = $1
	`
	if _, err := db.conn.ExecContext(ctx, query, id, attempts, nextAttempt, lastErr, db.clock.Now()); err != nil {
		return fmt.Errorf("failed to schedule webhook retry: %w", err)
	}
	return nil
}

// MarkWebhookExhausted parks the webhook for manual intervention.
func (db *DB) MarkWebhookExhausted(ctx context.Context, id int64, attempts int, lastErr string) error {
	query := `
		UPDATE pending_webhooks
		SET status = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $1
	`
	if _, err := db.conn.ExecContext(ctx, query, id, WebhookExhausted, attempts, lastErr, db.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark webhook exhausted: %w", err)
	}
	return nil
}
