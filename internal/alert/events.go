package alert

import (
	"encoding/json"
	"time"
)

// Domain event types written to the outbox.
const (
	EventAlertCreated          = "alert.created"
	EventAlertProcessing       = "alert.processing"
	EventAlertInvestigating    = "alert.investigating"
	EventAlertCompleted        = "alert.completed"
	EventAlertFailed           = "alert.failed"
	EventNotificationSent      = "notification.sent"
	EventNotificationFailed    = "notification.failed"
	EventNotificationThrottled = "notification.throttled"
	EventAttentionInitialized  = "attention.initialized"
	EventAttentionEscalated    = "attention.escalated"
	EventAttentionAcknowledged = "attention.acknowledged"
	EventAttentionResolved     = "attention.resolved"
)

// DomainEvent is an outbox row.
type DomainEvent struct {
	ID          int64
	CompanyID   int64
	AlertID     int64
	Type        string
	Payload     json.RawMessage
	TraceID     string
	OccurredAt  time.Time
	Attempts    int
	PublishedAt *time.Time
}

// NewDomainEvent builds an event with payload marshalled from v. A payload that
// cannot be marshalled is stored as an empty object.
func NewDomainEvent(companyID, alertID int64, eventType string, v any, at time.Time) DomainEvent {
	payload, err := json.Marshal(v)
	if err != nil || v == nil {
		payload = json.RawMessage(`{}`)
	}
	return DomainEvent{
		CompanyID:  companyID,
		AlertID:    alertID,
		Type:       eventType,
		Payload:    payload,
		OccurredAt: at,
	}
}
