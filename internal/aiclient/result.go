package aiclient

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

const statusOK = "ok"

type response struct {
	Status               string          `json:"status"`
	Error                string          `json:"error"`
	Assessment           *assessmentBody `json:"assessment"`
	AlertContext         json.RawMessage `json:"alert_context"`
	HumanMessage         string          `json:"human_message"`
	NotificationDecision *decisionBody   `json:"notification_decision"`
	SupportingEvidence   json.RawMessage `json:"supporting_evidence"`
	Execution            json.RawMessage `json:"execution"`
}

type assessmentBody struct {
	Verdict            string   `json:"verdict"`
	Likelihood         string   `json:"likelihood"`
	Confidence         *float64 `json:"confidence"`
	Reasoning          string   `json:"reasoning"`
	RequiresMonitoring bool     `json:"requires_monitoring"`
	NextCheckMinutes   int      `json:"next_check_minutes"`
	MonitoringReason   string   `json:"monitoring_reason"`
	RecommendedActions []string `json:"recommended_actions"`
	InvestigationSteps []string `json:"investigation_steps"`
}

type decisionBody struct {
	ShouldNotify    bool            `json:"should_notify"`
	EscalationLevel string          `json:"escalation_level"`
	ChannelsToUse   []string        `json:"channels_to_use"`
	Recipients      []recipientBody `json:"recipients"`
	MessageText     string          `json:"message_text"`
	CallScript      string          `json:"call_script"`
	DedupeKey       string          `json:"dedupe_key"`
	Reason          string          `json:"reason"`
}

type recipientBody struct {
	Type          string `json:"type"`
	RecipientType string `json:"recipient_type"`
	Name          string `json:"name"`
	Phone         string `json:"phone"`
	WhatsApp      string `json:"whatsapp"`
	Priority      int    `json:"priority"`
}

// Result is a validated assessment response.
type Result struct {
	Assessment         alert.Assessment
	AlertContext       json.RawMessage
	HumanMessage       string
	Decision           *alert.NotificationDecision
	Recipients         []alert.NotificationRecipient
	SupportingEvidence json.RawMessage
	// RawOutput is the response body as received.
	RawOutput json.RawMessage
}

// Parse validates a response body. An error status, a missing assessment or a
// missing or unknown verdict is an error; optional fields stay optional.
func Parse(body []byte) (*Result, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("malformed ai response: %w", err)
	}
	if r.Status != statusOK {
		if r.Error == "" {
			r.Error = fmt.Sprintf("unexpected status %q", r.Status)
		}
		return nil, fmt.Errorf("ai service error: %s", r.Error)
	}
	if r.Assessment == nil {
		return nil, errors.New("ai response missing assessment")
	}
	verdict, err := alert.ParseVerdict(r.Assessment.Verdict)
	if err != nil {
		return nil, fmt.Errorf("ai response: %w", err)
	}

	a := alert.Assessment{
		Verdict:            verdict,
		Likelihood:         r.Assessment.Likelihood,
		Reasoning:          r.Assessment.Reasoning,
		RequiresMonitoring: r.Assessment.RequiresMonitoring,
		NextCheckMinutes:   r.Assessment.NextCheckMinutes,
		MonitoringReason:   r.Assessment.MonitoringReason,
		RecommendedActions: nonEmpty(r.Assessment.RecommendedActions),
		InvestigationSteps: nonEmpty(r.Assessment.InvestigationSteps),
	}
	if c := r.Assessment.Confidence; c != nil {
		a.Confidence = clamp(*c)
	}

	res := &Result{
		Assessment:         a,
		AlertContext:       r.AlertContext,
		HumanMessage:       r.HumanMessage,
		SupportingEvidence: r.SupportingEvidence,
		RawOutput:          append(json.RawMessage(nil), body...),
	}
	if d := r.NotificationDecision; d != nil {
		res.Decision, res.Recipients = d.toDecision()
		if res.Decision.MessageText == "" {
			res.Decision.MessageText = r.HumanMessage
		}
	}
	return res, nil
}

func (d *decisionBody) toDecision() (*alert.NotificationDecision, []alert.NotificationRecipient) {
	level, err := alert.ParseEscalationLevel(d.EscalationLevel)
	if err != nil {
		level = alert.EscalationNone
	}
	channels := make([]alert.Channel, 0, len(d.ChannelsToUse))
	for _, c := range d.ChannelsToUse {
		channels = append(channels, alert.Channel(c))
	}
	decision := &alert.NotificationDecision{
		ShouldNotify:    d.ShouldNotify,
		EscalationLevel: level,
		Channels:        alert.SortChannels(channels),
		MessageText:     d.MessageText,
		CallScript:      d.CallScript,
		DedupeKey:       d.DedupeKey,
		Reason:          d.Reason,
	}
	recipients := make([]alert.NotificationRecipient, 0, len(d.Recipients))
	for _, r := range d.Recipients {
		typ := r.Type
		if typ == "" {
			typ = r.RecipientType
		}
		if r.Phone == "" && r.WhatsApp == "" {
			continue
		}
		recipients = append(recipients, alert.NotificationRecipient{
			Type:     typ,
			Name:     r.Name,
			Phone:    r.Phone,
			WhatsApp: r.WhatsApp,
			Priority: r.Priority,
		})
	}
	return decision, recipients
}

func clamp(c float64) float64 {
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
