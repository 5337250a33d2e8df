package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// EvidenceRewriter maps the stored supporting evidence to its new value.
// Returning changed=false leaves the row untouched.
type EvidenceRewriter func(current json.RawMessage) (next json.RawMessage, changed bool, err error)

// RewriteEvidence reads alert_ai.supporting_evidence FOR UPDATE, applies fn
// and writes the result back in the same transaction.
func (db *DB) RewriteEvidence(ctx context.Context, companyID, alertID int64, fn EvidenceRewriter) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			SELECT supporting_evidence FROM alert_ai
			WHERE alert_id = $1 AND company_id = $2
			FOR UPDATE
		`
		var current []byte
		err := tx.QueryRowContext(ctx, query, alertID, companyID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("alert ai record %d: %w", alertID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to lock supporting evidence: %w", err)
		}

		next, changed, err := fn(current)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}

		update := `
			UPDATE alert_ai SET supporting_evidence = $3, updated_at = $4
			WHERE alert_id = $1 AND company_id = $2
		`
		if _, err := tx.ExecContext(ctx, update, alertID, companyID, []byte(next), db.clock.Now()); err != nil {
			return fmt.Errorf("failed to update supporting evidence: %w", err)
		}
		return nil
	})
}
