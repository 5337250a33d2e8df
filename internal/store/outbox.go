package store

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// ClaimDomainEvents leases up to limit unpublished events that are due. A
// claimed event is invisible to other relays until lease elapses.
func (db *DB) ClaimDomainEvents(ctx context.Context, limit int, lease time.Duration) ([]alert.DomainEvent, error) {
	now := db.clock.Now()
	query := `
		UPDATE domain_events
		SET next_attempt_at = $2, attempts = attempts + 1
		WHERE id IN (
			SELECT id FROM domain_events
			WHERE published_at IS NULL AND next_attempt_at <= $1
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, company_id, alert_id, event_type, payload, COALESCE(trace_id, ''), occurred_at, attempts
	`
	rows, err := db.conn.QueryContext(ctx, query, now, now.Add(lease), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim domain events: %w", err)
	}
	defer rows.Close()

	var events []alert.DomainEvent
	for rows.Next() {
		var (
			ev      alert.DomainEvent
			payload []byte
		)
		if err := rows.Scan(&ev.ID, &ev.CompanyID, &ev.AlertID, &ev.Type, &payload, &ev.TraceID,
			&ev.OccurredAt, &ev.Attempts); err != nil {
			return nil, fmt.Errorf("failed to scan domain event: %w", err)
		}
		ev.Payload = payload
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating domain events: %w", err)
	}
	return events, nil
}

// MarkDomainEventsPublished stamps the events as published.
func (db *DB) MarkDomainEventsPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	query := `UPDATE domain_events SET published_at = $2, last_error = NULL WHERE id = ANY($1)`
	if _, err := db.conn.ExecContext(ctx, query, pq.Array(ids), db.clock.Now()); err != nil {
		return fmt.Errorf("failed to mark domain events published: %w", err)
	}
	return nil
}

// MarkDomainEventFailed records a publish failure and the next attempt time.
func (db *DB) MarkDomainEventFailed(ctx context.Context, id int64, nextAttempt time.Time, lastErr string) error {
	query := `UPDATE domain_events SET next_attempt_at = $2, last_error = $3 WHERE id = $1`
	if _, err := db.conn.ExecContext(ctx, query, id, nextAttempt, lastErr); err != nil {
		return fmt.Errorf("failed to mark domain event failed: %w", err)
	}
	return nil
}
