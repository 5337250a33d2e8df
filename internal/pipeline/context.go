package pipeline

import (
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/internal/contacts"
	"github.com/vicbravo9895/sam-engine-sub001/internal/preload"
)

type eventInfo struct {
	AlertID    int64          `json:"alert_id"`
	EventType  string         `json:"event_type"`
	Severity   alert.Severity `json:"severity"`
	VehicleID  string         `json:"vehicle_id,omitempty"`
	DriverID   string         `json:"driver_id,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

func newEventInfo(a *alert.Alert, sig *alert.Signal) eventInfo {
	return eventInfo{
		AlertID:    a.ID,
		EventType:  sig.EventType,
		Severity:   a.Severity,
		VehicleID:  sig.VehicleID,
		DriverID:   sig.DriverID,
		OccurredAt: sig.OccurredAt,
	}
}

// ingestContext is sent with the first assessment.
type ingestContext struct {
	Event     eventInfo                                `json:"event"`
	Company   string                                   `json:"company,omitempty"`
	Contacts  map[string][]alert.NotificationRecipient `json:"contacts,omitempty"`
	Telemetry *preload.Telemetry                       `json:"telemetry,omitempty"`
}

func newIngestContext(a *alert.Alert, sig *alert.Signal, s *company.Settings, set *contacts.Set, t *preload.Telemetry) ingestContext {
	c := ingestContext{Event: newEventInfo(a, sig), Company: s.Name, Telemetry: t}
	if set != nil && set.Len() > 0 {
		c.Contacts = set.ByType()
	}
	return c
}

// revalidateContext is sent with each re-investigation.
type revalidateContext struct {
	Event              eventInfo                   `json:"event"`
	PreviousAssessment *alert.Assessment           `json:"previous_assessment,omitempty"`
	History            []alert.InvestigationRecord `json:"investigation_history"`
	InvestigationCycle int                         `json:"investigation_cycle"`
	MaxInvestigations  int                         `json:"max_investigations"`
	LastInvestigatedAt *time.Time                  `json:"last_investigation_at,omitempty"`
	MinutesSinceEvent  int                         `json:"minutes_since_event"`
	Telemetry          *preload.Telemetry          `json:"telemetry,omitempty"`
}

func newRevalidateContext(a *alert.Alert, sig *alert.Signal, ai *alert.AlertAI, t *preload.Telemetry, cycle, maxCycles int, now time.Time) revalidateContext {
	history := ai.InvestigationHistory
	if history == nil {
		history = []alert.InvestigationRecord{}
	}
	return revalidateContext{
		Event:              newEventInfo(a, sig),
		PreviousAssessment: ai.Assessment,
		History:            history,
		InvestigationCycle: cycle,
		MaxInvestigations:  maxCycles,
		LastInvestigatedAt: ai.LastInvestigationAt,
		MinutesSinceEvent:  int(now.Sub(sig.OccurredAt).Minutes()),
		Telemetry:          t,
	}
}
