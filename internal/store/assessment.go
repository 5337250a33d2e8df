package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// AssessmentWrite is everything persisted when an assessment is applied.
type AssessmentWrite struct {
	CompanyID int64
	AlertID   int64
	// Target is investigating or completed.
	Target     alert.AIStatus
	Assessment alert.Assessment

	// ExpectStatus and ExpectInvestigationCount, when set, must still hold
	// under the row lock or the write fails with ErrStale.
	ExpectStatus             alert.AIStatus
	ExpectInvestigationCount *int

	AlertContext       json.RawMessage
	RawOutput          json.RawMessage
	SupportingEvidence json.RawMessage

	// InvestigationIncrement is added to alert_ai.investigation_count.
	InvestigationIncrement int
	// History, when set, is appended to the investigation history and its
	// cycle numbers the investigation steps.
	History *alert.InvestigationRecord

	// Decision, when set, replaces the alert's notification decision and recipients.
	Decision   *alert.NotificationDecision
	Recipients []alert.NotificationRecipient

	TraceID string
}

func (w AssessmentWrite) validate() error {
	if w.Target != alert.AIStatusInvestigating && w.Target != alert.AIStatusCompleted {
		return fmt.Errorf("%w: assessment target %q", ErrInvalidTransition, w.Target)
	}
	if _, err := alert.ParseVerdict(string(w.Assessment.Verdict)); err != nil {
		return fmt.Errorf("invalid assessment: %w", err)
	}
	return nil
}

// investigationCount reads the counter of an alert whose row is locked by tx.
// An alert without an AI record has run no investigations.
func investigationCount(ctx context.Context, tx *sql.Tx, companyID, alertID int64) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx,
		`SELECT investigation_count FROM alert_ai WHERE alert_id = $1 AND company_id = $2`,
		alertID, companyID,
	).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read investigation count: %w", err)
	}
	return count, nil
}

func eventForTarget(target alert.AIStatus) string {
	if target == alert.AIStatusInvestigating {
		return alert.EventAlertInvestigating
	}
	return alert.EventAlertCompleted
}

// ApplyAssessment moves the alert to w.Target and writes the AI record,
// recommended actions, investigation steps, notification decision and domain
// event in a single transaction. Any failure rolls everything back.
func (db *DB) ApplyAssessment(ctx context.Context, w AssessmentWrite) error {
	if err := w.validate(); err != nil {
		return err
	}
	assessment, err := json.Marshal(w.Assessment)
	if err != nil {
		return fmt.Errorf("failed to marshal assessment: %w", err)
	}
	history := []byte("[]")
	if w.History != nil {
		if history, err = json.Marshal([]alert.InvestigationRecord{*w.History}); err != nil {
			return fmt.Errorf("failed to marshal investigation record: %w", err)
		}
	}

	return db.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := lockAlert(ctx, tx, w.CompanyID, w.AlertID)
		if err != nil {
			return err
		}
		if w.ExpectStatus != "" && cur.AIStatus != w.ExpectStatus {
			return fmt.Errorf("%w: ai_status is %s, expected %s", ErrStale, cur.AIStatus, w.ExpectStatus)
		}
		if w.ExpectInvestigationCount != nil {
			count, err := investigationCount(ctx, tx, w.CompanyID, w.AlertID)
			if err != nil {
				return err
			}
			if count != *w.ExpectInvestigationCount {
				return fmt.Errorf("%w: investigation_count is %d, expected %d", ErrStale, count, *w.ExpectInvestigationCount)
			}
		}
		if !cur.AIStatus.CanTransitionTo(w.Target) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.AIStatus, w.Target)
		}
		now := db.clock.Now()

		var notifStatus any
		if w.Decision != nil && w.Decision.ShouldNotify {
			notifStatus = string(alert.NotificationPending)
		}
		updateAlert := `
			UPDATE alerts
			SET ai_status = $3, verdict = $4, likelihood = $5, confidence = $6, error_message = NULL,
				notification_status = COALESCE($7, notification_status), updated_at = $8
			WHERE id = $1 AND company_id = $2
		`
		if _, err := tx.ExecContext(ctx, updateAlert, w.AlertID, w.CompanyID, w.Target,
			w.Assessment.Verdict, nullString(w.Assessment.Likelihood), w.Assessment.Confidence,
			notifStatus, now); err != nil {
			return fmt.Errorf("failed to update alert: %w", err)
		}

		var lastInvestigation any
		if w.InvestigationIncrement > 0 {
			lastInvestigation = now
		}
		upsertAI := `
			INSERT INTO alert_ai (alert_id, company_id, assessment, alert_context, raw_output, supporting_evidence,
				investigation_count, last_investigation_at, investigation_history, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10, $10)
			ON CONFLICT (alert_id) DO UPDATE SET
				assessment = EXCLUDED.assessment,
				alert_context = COALESCE(EXCLUDED.alert_context, alert_ai.alert_context),
				raw_output = COALESCE(EXCLUDED.raw_output, alert_ai.raw_output),
				supporting_evidence = COALESCE(EXCLUDED.supporting_evidence, alert_ai.supporting_evidence),
				investigation_count = alert_ai.investigation_count + EXCLUDED.investigation_count,
				last_investigation_at = COALESCE(EXCLUDED.last_investigation_at, alert_ai.last_investigation_at),
				investigation_history = alert_ai.investigation_history || EXCLUDED.investigation_history,
				updated_at = EXCLUDED.updated_at
			WHERE alert_ai.company_id = EXCLUDED.company_id
		`
		if _, err := tx.ExecContext(ctx, upsertAI, w.AlertID, w.CompanyID, assessment,
			rawOrNil(w.AlertContext), rawOrNil(w.RawOutput), rawOrNil(w.SupportingEvidence),
			w.InvestigationIncrement, lastInvestigation, history, now); err != nil {
			return fmt.Errorf("failed to upsert alert ai record: %w", err)
		}

		if err := replaceRecommendedActions(ctx, tx, w.CompanyID, w.AlertID, w.Assessment.RecommendedActions); err != nil {
			return err
		}

		if len(w.Assessment.InvestigationSteps) > 0 {
			cycle := 0
			if w.History != nil {
				cycle = w.History.Cycle
			}
			insertSteps := `
				INSERT INTO alert_investigation_steps (alert_id, company_id, cycle, position, step, created_at)
				SELECT $1, $2, $3, t.ord, t.step, $5
				FROM unnest($4::text[]) WITH ORDINALITY AS t(step, ord)
			`
			if _, err := tx.ExecContext(ctx, insertSteps, w.AlertID, w.CompanyID, cycle,
				pq.Array(w.Assessment.InvestigationSteps), now); err != nil {
				return fmt.Errorf("failed to insert investigation steps: %w", err)
			}
		}

		if w.Decision != nil {
			if err := upsertDecision(ctx, tx, w.CompanyID, w.AlertID, w.Decision, w.Recipients, now); err != nil {
				return err
			}
		}

		return insertEvent(ctx, tx, db.event(w.CompanyID, w.AlertID, eventForTarget(w.Target), w.TraceID,
			map[string]any{
				"previous_status":     cur.AIStatus,
				"verdict":             w.Assessment.Verdict,
				"confidence":          w.Assessment.Confidence,
				"requires_monitoring": w.Assessment.RequiresMonitoring,
			}))
	})
}

func replaceRecommendedActions(ctx context.Context, tx *sql.Tx, companyID, alertID int64, actions []string) error {
	del := `DELETE FROM alert_recommended_actions WHERE alert_id = $1 AND company_id = $2`
	if _, err := tx.ExecContext(ctx, del, alertID, companyID); err != nil {
		return fmt.Errorf("failed to clear recommended actions: %w", err)
	}
	if len(actions) == 0 {
		return nil
	}
	insert := `
		INSERT INTO alert_recommended_actions (alert_id, company_id, position, action)
		SELECT $1, $2, t.ord, t.action
		FROM unnest($3::text[]) WITH ORDINALITY AS t(action, ord)
	`
	if _, err := tx.ExecContext(ctx, insert, alertID, companyID, pq.Array(actions)); err != nil {
		return fmt.Errorf("failed to insert recommended actions: %w", err)
	}
	return nil
}

// GetAlertAI returns the AI side record of the alert.
func (db *DB) GetAlertAI(ctx context.Context, companyID, alertID int64) (*alert.AlertAI, error) {
	query := `
		SELECT investigation_count, last_investigation_at, assessment, alert_context, raw_output,
			supporting_evidence, investigation_history
		FROM alert_ai
		WHERE alert_id = $1 AND company_id = $2
	`
	var (
		ai                                                alert.AlertAI
		lastAt                                            sql.NullTime
		assessment, alertCtx, rawOutput, evidence, histry []byte
	)
	err := db.conn.QueryRowContext(ctx, query, alertID, companyID).Scan(
		&ai.InvestigationCount, &lastAt, &assessment, &alertCtx, &rawOutput, &evidence, &histry,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("alert ai record %d: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get alert ai record: %w", err)
	}

	ai.AlertID = alertID
	ai.LastInvestigationAt = nullTime(lastAt)
	ai.AlertContext = alertCtx
	ai.RawOutput = rawOutput
	ai.SupportingEvidence = evidence
	if len(assessment) > 0 {
		var a alert.Assessment
		if err := json.Unmarshal(assessment, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal assessment: %w", err)
		}
		ai.Assessment = &a
	}
	if len(histry) > 0 {
		if err := json.Unmarshal(histry, &ai.InvestigationHistory); err != nil {
			return nil, fmt.Errorf("failed to unmarshal investigation history: %w", err)
		}
	}
	return &ai, nil
}
