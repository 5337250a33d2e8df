package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// CreateSignalAndAlert stores the signal and its pending alert in one
// transaction. A signal already received (same company, source and external
// id) returns the existing alert with created=false.
func (db *DB) CreateSignalAndAlert(ctx context.Context, sig alert.Signal, severity alert.Severity, traceID string) (*alert.Alert, bool, error) {
	var (
		result  *alert.Alert
		created bool
	)
	now := db.clock.Now()
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = now
	}
	if sig.OccurredAt.IsZero() {
		sig.OccurredAt = sig.ReceivedAt
	}

	err := db.withTx(ctx, func(tx *sql.Tx) error {
		insertSignal := `
			INSERT INTO signals (company_id, source, external_id, event_type, vehicle_id, driver_id, raw_payload, occurred_at, received_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (company_id, source, external_id) DO NOTHING
			RETURNING id
		`
		var signalID int64
		err := tx.QueryRowContext(ctx, insertSignal,
			sig.CompanyID, sig.Source, sig.ExternalID, sig.EventType,
			nullString(sig.VehicleID), nullString(sig.DriverID), []byte(sig.RawPayload),
			sig.OccurredAt, sig.ReceivedAt,
		).Scan(&signalID)
		if errors.Is(err, sql.ErrNoRows) {
			existing := `
				SELECT ` + alertColumns + ` FROM alerts
				WHERE company_id = $1 AND signal_id = (
					SELECT id FROM signals WHERE company_id = $1 AND source = $2 AND external_id = $3
				)
			`
			a, err := scanAlert(tx.QueryRowContext(ctx, existing, sig.CompanyID, sig.Source, sig.ExternalID))
			if err != nil {
				return fmt.Errorf("failed to load alert for duplicate signal: %w", err)
			}
			result = a
			return nil
		}
		if isForeignKeyViolation(err) {
			return fmt.Errorf("company %d: %w", sig.CompanyID, ErrUnknownCompany)
		}
		if err != nil {
			return fmt.Errorf("failed to insert signal: %w", err)
		}

		insertAlert := `
			INSERT INTO alerts (company_id, signal_id, ai_status, human_status, severity, attention_state,
				escalation_level, escalation_count, notification_status, occurred_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, 0, 0, $7, $8, $9, $9)
			RETURNING id
		`
		var alertID int64
		if err := tx.QueryRowContext(ctx, insertAlert,
			sig.CompanyID, signalID, alert.AIStatusPending, alert.HumanStatusPending, severity,
			alert.AttentionNone, alert.NotificationPending, sig.OccurredAt, now,
		).Scan(&alertID); err != nil {
			return fmt.Errorf("failed to insert alert: %w", err)
		}

		insertAI := `
			INSERT INTO alert_ai (alert_id, company_id, investigation_count, investigation_history, created_at, updated_at)
			VALUES ($1, $2, 0, '[]', $3, $3)
		`
		if _, err := tx.ExecContext(ctx, insertAI, alertID, sig.CompanyID, now); err != nil {
			return fmt.Errorf("failed to insert alert ai record: %w", err)
		}

		if err := insertEvent(ctx, tx, db.event(sig.CompanyID, alertID, alert.EventAlertCreated, traceID,
			map[string]any{
				"signal_id":   signalID,
				"event_type":  sig.EventType,
				"severity":    severity,
				"vehicle_id":  sig.VehicleID,
				"external_id": sig.ExternalID,
			})); err != nil {
			return err
		}

		result = &alert.Alert{
			ID:                 alertID,
			CompanyID:          sig.CompanyID,
			SignalID:           signalID,
			AIStatus:           alert.AIStatusPending,
			HumanStatus:        alert.HumanStatusPending,
			Severity:           severity,
			AttentionState:     alert.AttentionNone,
			NotificationStatus: alert.NotificationPending,
			OccurredAt:         sig.OccurredAt,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return result, created, nil
}

// GetSignal returns the signal of the company.
func (db *DB) GetSignal(ctx context.Context, companyID, signalID int64) (*alert.Signal, error) {
	query := `
		SELECT id, company_id, source, external_id, event_type, COALESCE(vehicle_id, ''), COALESCE(driver_id, ''),
			raw_payload, occurred_at, received_at
		FROM signals
		WHERE id = $1 AND company_id = $2
	`
	var (
		s   alert.Signal
		raw []byte
	)
	err := db.conn.QueryRowContext(ctx, query, signalID, companyID).Scan(
		&s.ID, &s.CompanyID, &s.Source, &s.ExternalID, &s.EventType, &s.VehicleID, &s.DriverID,
		&raw, &s.OccurredAt, &s.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signal %d: %w", signalID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get signal: %w", err)
	}
	s.RawPayload = raw
	return &s, nil
}
