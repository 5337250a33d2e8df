// Package alert holds the domain model of the alert lifecycle: the Alert entity,
// its immutable Signal, the AI side record, and the enumerations that drive the
// AI, human-review and attention state machines.
package alert

import (
	"encoding/json"
	"fmt"
	"time"
)

// AIStatus is the lifecycle of the automated assessment.
type AIStatus string

const (
	AIStatusPending       AIStatus = "pending"
	AIStatusProcessing    AIStatus = "processing"
	AIStatusInvestigating AIStatus = "investigating"
	AIStatusCompleted     AIStatus = "completed"
	AIStatusFailed        AIStatus = "failed"
)

// IsTerminal reports whether no further AI work will happen.
func (s AIStatus) IsTerminal() bool {
	return s == AIStatusCompleted || s == AIStatusFailed
}

// IsValid reports whether s is a known status.
func (s AIStatus) IsValid() bool {
	switch s {
	case AIStatusPending, AIStatusProcessing, AIStatusInvestigating, AIStatusCompleted, AIStatusFailed:
		return true
	}
	return false
}

var aiTransitions = map[AIStatus][]AIStatus{
	AIStatusPending:       {AIStatusProcessing, AIStatusFailed},
	AIStatusProcessing:    {AIStatusProcessing, AIStatusInvestigating, AIStatusCompleted, AIStatusFailed},
	AIStatusInvestigating: {AIStatusInvestigating, AIStatusCompleted, AIStatusFailed},
}

// CanTransitionTo reports whether moving from s to next is legal.
func (s AIStatus) CanTransitionTo(next AIStatus) bool {
	for _, allowed := range aiTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// HumanStatus is the review state set by people. It never changes as a side
// effect of AI processing.
type HumanStatus string

const (
	HumanStatusPending       HumanStatus = "pending"
	HumanStatusReviewed      HumanStatus = "reviewed"
	HumanStatusFlagged       HumanStatus = "flagged"
	HumanStatusResolved      HumanStatus = "resolved"
	HumanStatusFalsePositive HumanStatus = "false_positive"
)

// IsTerminal reports whether review is finished.
func (s HumanStatus) IsTerminal() bool {
	return s == HumanStatusResolved || s == HumanStatusFalsePositive
}

// Severity of an alert as derived at ingestion.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ParseSeverity validates a severity string.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// Verdict is the AI collaborator's categorical conclusion.
type Verdict string

const (
	VerdictRealPanic           Verdict = "real_panic"
	VerdictConfirmedViolation  Verdict = "confirmed_violation"
	VerdictNeedsReview         Verdict = "needs_review"
	VerdictUncertain           Verdict = "uncertain"
	VerdictLikelyFalsePositive Verdict = "likely_false_positive"
	VerdictNoActionNeeded      Verdict = "no_action_needed"
)

// ParseVerdict validates a verdict string. Empty is an error.
func ParseVerdict(s string) (Verdict, error) {
	switch Verdict(s) {
	case VerdictRealPanic, VerdictConfirmedViolation, VerdictNeedsReview,
		VerdictUncertain, VerdictLikelyFalsePositive, VerdictNoActionNeeded:
		return Verdict(s), nil
	case "":
		return "", fmt.Errorf("verdict is required")
	}
	return "", fmt.Errorf("unknown verdict %q", s)
}

// AttentionState is the SLA state of an alert.
type AttentionState string

const (
	AttentionNone               AttentionState = "none"
	AttentionAwaitingAck        AttentionState = "awaiting_ack"
	AttentionAcked              AttentionState = "acked"
	AttentionAwaitingResolution AttentionState = "awaiting_resolution"
	AttentionResolved           AttentionState = "resolved"
)

// IsWaiting reports whether a human action is outstanding.
func (s AttentionState) IsWaiting() bool {
	return s == AttentionAwaitingAck || s == AttentionAcked || s == AttentionAwaitingResolution
}

// WaitingAttentionStates lists the states the SLA sweep inspects.
var WaitingAttentionStates = []AttentionState{AttentionAwaitingAck, AttentionAcked, AttentionAwaitingResolution}

// Ack statuses stored alongside the attention state.
const (
	AckStatusPending = "pending"
	AckStatusAcked   = "acked"
)

// Alert is the central entity. Fields are read-only outside the store; state
// changes go through named store operations.
type Alert struct {
	ID          int64
	CompanyID   int64
	SignalID    int64
	AIStatus    AIStatus
	HumanStatus HumanStatus
	Severity    Severity
	Verdict     Verdict
	Likelihood  string
	Confidence  float64

	AttentionState   AttentionState
	AckStatus        string
	Owner            string
	AckDueAt         *time.Time
	ResolveDueAt     *time.Time
	EscalationLevel  int
	EscalationCount  int
	NextEscalationAt *time.Time

	NotificationStatus   NotificationStatus
	NotificationChannels []Channel
	NotificationSentAt   *time.Time
	NotificationCallSID  string

	ErrorMessage string
	OccurredAt   time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Signal is the immutable record of what was received.
type Signal struct {
	ID         int64
	CompanyID  int64
	Source     string
	ExternalID string
	EventType  string
	VehicleID  string
	DriverID   string
	RawPayload json.RawMessage
	OccurredAt time.Time
	ReceivedAt time.Time
}

// AlertAI is the one-to-one AI side record of an alert.
type AlertAI struct {
	AlertID              int64
	InvestigationCount   int
	LastInvestigationAt  *time.Time
	Assessment           *Assessment
	AlertContext         json.RawMessage
	RawOutput            json.RawMessage
	SupportingEvidence   json.RawMessage
	InvestigationHistory []InvestigationRecord
}

// Assessment is the validated AI result.
type Assessment struct {
	Verdict            Verdict  `json:"verdict"`
	Likelihood         string   `json:"likelihood,omitempty"`
	Confidence         float64  `json:"confidence"`
	Reasoning          string   `json:"reasoning,omitempty"`
	RequiresMonitoring bool     `json:"requires_monitoring"`
	NextCheckMinutes   int      `json:"next_check_minutes,omitempty"`
	MonitoringReason   string   `json:"monitoring_reason,omitempty"`
	RecommendedActions []string `json:"recommended_actions,omitempty"`
	InvestigationSteps []string `json:"investigation_steps,omitempty"`
}

// InvestigationRecord is one entry of the investigation history.
type InvestigationRecord struct {
	Cycle              int       `json:"cycle"`
	At                 time.Time `json:"at"`
	Verdict            Verdict   `json:"verdict"`
	Confidence         float64   `json:"confidence"`
	RequiresMonitoring bool      `json:"requires_monitoring"`
	Reason             string    `json:"reason,omitempty"`
}

// UsageEvent is one append-only ledger row.
type UsageEvent struct {
	CompanyID      int64
	Meter          string
	Quantity       int64
	Dimensions     map[string]string
	IdempotencyKey string
	OccurredAt     time.Time
}
