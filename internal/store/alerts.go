package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// alertColumns is the projection scanned by scanAlert.
const alertColumns = `
	id, company_id, signal_id, ai_status, human_status, severity,
	COALESCE(verdict, ''), COALESCE(likelihood, ''), COALESCE(confidence, 0),
	attention_state, COALESCE(ack_status, ''), COALESCE(owner, ''),
	ack_due_at, resolve_due_at, escalation_level, escalation_count, next_escalation_at,
	notification_status, notification_channels, notification_sent_at, COALESCE(notification_call_sid, ''),
	COALESCE(error_message, ''), occurred_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row rowScanner) (*alert.Alert, error) {
	var (
		a                                        alert.Alert
		ackDue, resolveDue, nextEsc, notifSentAt sql.NullTime
		channels                                 []string
	)
	err := row.Scan(
		&a.ID, &a.CompanyID, &a.SignalID, &a.AIStatus, &a.HumanStatus, &a.Severity,
		&a.Verdict, &a.Likelihood, &a.Confidence,
		&a.AttentionState, &a.AckStatus, &a.Owner,
		&ackDue, &resolveDue, &a.EscalationLevel, &a.EscalationCount, &nextEsc,
		&a.NotificationStatus, pq.Array(&channels), &notifSentAt, &a.NotificationCallSID,
		&a.ErrorMessage, &a.OccurredAt, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.AckDueAt = nullTime(ackDue)
	a.ResolveDueAt = nullTime(resolveDue)
	a.NextEscalationAt = nullTime(nextEsc)
	a.NotificationSentAt = nullTime(notifSentAt)
	for _, c := range channels {
		a.NotificationChannels = append(a.NotificationChannels, alert.Channel(c))
	}
	return &a, nil
}

// GetAlert returns one alert of the company.
func (db *DB) GetAlert(ctx context.Context, companyID, alertID int64) (*alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1 AND company_id = $2`
	a, err := scanAlert(db.conn.QueryRowContext(ctx, query, alertID, companyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}
	return a, nil
}

// lockAlert reads the alert row FOR UPDATE inside tx.
func lockAlert(ctx context.Context, tx *sql.Tx, companyID, alertID int64) (*alert.Alert, error) {
	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = $1 AND company_id = $2 FOR UPDATE`
	a, err := scanAlert(tx.QueryRowContext(ctx, query, alertID, companyID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert %d: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock alert: %w", err)
	}
	return a, nil
}

// MarkProcessing claims the alert for an assessment attempt. An alert already
// in processing (a retry) is returned unchanged.
func (db *DB) MarkProcessing(ctx context.Context, companyID, alertID int64, traceID string) (*alert.Alert, error) {
	var claimed *alert.Alert
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockAlert(ctx, tx, companyID, alertID)
		if err != nil {
			return err
		}
		if cur.AIStatus == alert.AIStatusProcessing {
			claimed = cur
			return nil
		}
		if !cur.AIStatus.CanTransitionTo(alert.AIStatusProcessing) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.AIStatus, alert.AIStatusProcessing)
		}

		now := db.clock.Now()
		query := `UPDATE alerts SET ai_status = $3, updated_at = $4 WHERE id = $1 AND company_id = $2`
		if _, err := tx.ExecContext(ctx, query, alertID, companyID, alert.AIStatusProcessing, now); err != nil {
			return fmt.Errorf("failed to mark alert processing: %w", err)
		}
		if err := insertEvent(ctx, tx, db.event(companyID, alertID, alert.EventAlertProcessing, traceID,
			map[string]any{"previous_status": cur.AIStatus})); err != nil {
			return err
		}
		cur.AIStatus = alert.AIStatusProcessing
		cur.UpdatedAt = now
		claimed = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkFailed terminates the alert with a human-readable error. Terminal alerts
// are left untouched and reported with changed=false.
func (db *DB) MarkFailed(ctx context.Context, companyID, alertID int64, message, traceID string) (changed bool, err error) {
	if message == "" {
		message = "processing failed"
	}
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockAlert(ctx, tx, companyID, alertID)
		if err != nil {
			return err
		}
		if cur.AIStatus.IsTerminal() {
			db.log.Info("Alert already terminal, not marking failed",
				zap.Int64("company_id", companyID),
				zap.Int64("alert_id", alertID),
				zap.String("ai_status", string(cur.AIStatus)))
			return nil
		}

		query := `
			UPDATE alerts SET ai_status = $3, error_message = $4, updated_at = $5
			WHERE id = $1 AND company_id = $2
		`
		if _, err := tx.ExecContext(ctx, query, alertID, companyID, alert.AIStatusFailed, message, db.clock.Now()); err != nil {
			return fmt.Errorf("failed to mark alert failed: %w", err)
		}
		if err := insertEvent(ctx, tx, db.event(companyID, alertID, alert.EventAlertFailed, traceID,
			map[string]any{"previous_status": cur.AIStatus, "error": message})); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return changed, err
}
