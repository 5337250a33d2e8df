package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

func attentionStrings(in []alert.AttentionState) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

// AttentionInit sets the SLA deadlines of an alert entering attention.
type AttentionInit struct {
	CompanyID    int64
	AlertID      int64
	AckDueAt     time.Time
	ResolveDueAt time.Time
	TraceID      string
}

// InitAttention moves the alert from attention state none to awaiting_ack.
// It returns false when the alert was already initialized.
func (db *DB) InitAttention(ctx context.Context, in AttentionInit) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE alerts
			SET attention_state = $3, ack_status = $4, ack_due_at = $5, resolve_due_at = $6,
				next_escalation_at = $5, escalation_level = 0, escalation_count = 0, updated_at = $7
			WHERE id = $1 AND company_id = $2 AND attention_state = $8
		`
		res, err := tx.ExecContext(ctx, query, in.AlertID, in.CompanyID, alert.AttentionAwaitingAck,
			alert.AckStatusPending, in.AckDueAt, in.ResolveDueAt, db.clock.Now(), alert.AttentionNone)
		if err != nil {
			return fmt.Errorf("failed to initialize attention: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		return insertEvent(ctx, tx, db.event(in.CompanyID, in.AlertID, alert.EventAttentionInitialized, in.TraceID,
			map[string]any{"ack_due_at": in.AckDueAt, "resolve_due_at": in.ResolveDueAt}))
	})
	return changed, err
}

// ListOverdueAttention returns alerts in a waiting attention state whose next
// escalation is due at now. The sweep spans all companies; every write that
// follows is scoped by company.
func (db *DB) ListOverdueAttention(ctx context.Context, now time.Time, limit int) ([]*alert.Alert, error) {
	query := `
		SELECT ` + alertColumns + `
		FROM alerts
		WHERE attention_state = ANY($1) AND next_escalation_at IS NOT NULL AND next_escalation_at <= $2
		ORDER BY next_escalation_at
		LIMIT $3
	`
	rows, err := db.conn.QueryContext(ctx, query, pq.Array(attentionStrings(alert.WaitingAttentionStates)), now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue alerts: %w", err)
	}
	defer rows.Close()

	var alerts []*alert.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan overdue alert: %w", err)
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating overdue alerts: %w", err)
	}
	return alerts, nil
}

// Escalation is one threshold crossing.
type Escalation struct {
	CompanyID int64
	AlertID   int64
	FromLevel int
	ToLevel   int
	Count     int
	// NextAt is nil once the maximum level is reached.
	NextAt *time.Time
	State  alert.AttentionState
	// Now is the sweep time; the row must still be due at Now.
	Now     time.Time
	Tier    alert.EscalationLevel
	TraceID string
}

// RecordEscalation applies an escalation only if the alert is still at
// FromLevel and due, so each threshold fires once across concurrent sweeps.
func (db *DB) RecordEscalation(ctx context.Context, e Escalation) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			UPDATE alerts
			SET escalation_level = $3, escalation_count = $4, next_escalation_at = $5,
				attention_state = $6, updated_at = $7
			WHERE id = $1 AND company_id = $2 AND escalation_level = $8
				AND attention_state = ANY($9) AND next_escalation_at <= $7
		`
		res, err := tx.ExecContext(ctx, query, e.AlertID, e.CompanyID, e.ToLevel, e.Count, timeArg(e.NextAt),
			e.State, e.Now, e.FromLevel, pq.Array(attentionStrings(alert.WaitingAttentionStates)))
		if err != nil {
			return fmt.Errorf("failed to record escalation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		return insertEvent(ctx, tx, db.event(e.CompanyID, e.AlertID, alert.EventAttentionEscalated, e.TraceID,
			map[string]any{
				"from_level": e.FromLevel,
				"to_level":   e.ToLevel,
				"tier":       e.Tier,
				"state":      e.State,
			}))
	})
	return changed, err
}

// Acknowledge moves awaiting_ack to acked. A duplicate acknowledgement returns
// false with no side effects.
func (db *DB) Acknowledge(ctx context.Context, companyID, alertID int64, owner, traceID string) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.clock.Now()
		query := `
			UPDATE alerts
			SET attention_state = $3, ack_status = $4, owner = $5, acked_at = $6,
				next_escalation_at = resolve_due_at, updated_at = $6
			WHERE id = $1 AND company_id = $2 AND attention_state = $7
		`
		res, err := tx.ExecContext(ctx, query, alertID, companyID, alert.AttentionAcked, alert.AckStatusAcked,
			nullString(owner), now, alert.AttentionAwaitingAck)
		if err != nil {
			return fmt.Errorf("failed to acknowledge alert: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		return insertEvent(ctx, tx, db.event(companyID, alertID, alert.EventAttentionAcknowledged, traceID,
			map[string]any{"owner": owner}))
	})
	return changed, err
}

// ResolveAttention closes attention from any waiting state. Resolving twice
// returns false.
func (db *DB) ResolveAttention(ctx context.Context, companyID, alertID int64, owner, traceID string) (bool, error) {
	var changed bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		now := db.clock.Now()
		query := `
			UPDATE alerts
			SET attention_state = $3, owner = COALESCE($4, owner), resolved_at = $5,
				next_escalation_at = NULL, updated_at = $5
			WHERE id = $1 AND company_id = $2 AND attention_state = ANY($6)
		`
		res, err := tx.ExecContext(ctx, query, alertID, companyID, alert.AttentionResolved, nullString(owner), now,
			pq.Array(attentionStrings(alert.WaitingAttentionStates)))
		if err != nil {
			return fmt.Errorf("failed to resolve attention: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		changed = true
		return insertEvent(ctx, tx, db.event(companyID, alertID, alert.EventAttentionResolved, traceID,
			map[string]any{"owner": owner}))
	})
	return changed, err
}
