package alert

import (
	"fmt"
	"sort"
	"time"
)

// Channel is an outbound notification channel.
type Channel string

const (
	ChannelCall     Channel = "call"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

// ChannelOrder is the fixed dispatch priority.
var ChannelOrder = []Channel{ChannelCall, ChannelWhatsApp, ChannelSMS}

// Rank returns the position of c in ChannelOrder, or len(ChannelOrder) when unknown.
func (c Channel) Rank() int {
	for i, ch := range ChannelOrder {
		if ch == c {
			return i
		}
	}
	return len(ChannelOrder)
}

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	return c.Rank() < len(ChannelOrder)
}

// SortChannels returns the known channels of in, deduplicated, in dispatch order.
func SortChannels(in []Channel) []Channel {
	seen := make(map[Channel]bool, len(in))
	out := make([]Channel, 0, len(in))
	for _, c := range in {
		if !c.IsValid() || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Rank() < out[j].Rank() })
	return out
}

// EscalationLevel is the tier that gates channels.
type EscalationLevel string

const (
	EscalationNone     EscalationLevel = "none"
	EscalationLow      EscalationLevel = "low"
	EscalationHigh     EscalationLevel = "high"
	EscalationCritical EscalationLevel = "critical"
)

var escalationTiers = []EscalationLevel{EscalationNone, EscalationLow, EscalationHigh, EscalationCritical}

// ParseEscalationLevel validates a tier. Empty maps to none.
func ParseEscalationLevel(s string) (EscalationLevel, error) {
	if s == "" {
		return EscalationNone, nil
	}
	for _, l := range escalationTiers {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("unknown escalation level %q", s)
}

func (l EscalationLevel) index() int {
	for i, t := range escalationTiers {
		if t == l {
			return i
		}
	}
	return 0
}

// Raise returns the tier steps above l, capped at critical.
func (l EscalationLevel) Raise(steps int) EscalationLevel {
	i := l.index() + steps
	if i >= len(escalationTiers) {
		i = len(escalationTiers) - 1
	}
	if i < 0 {
		i = 0
	}
	return escalationTiers[i]
}

// DefaultEscalationFor maps a severity to the tier used when no decision exists.
func DefaultEscalationFor(s Severity) EscalationLevel {
	switch s {
	case SeverityCritical:
		return EscalationCritical
	case SeverityWarning:
		return EscalationHigh
	default:
		return EscalationLow
	}
}

// NotificationStatus is the outcome recorded on the alert.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationSent      NotificationStatus = "sent"
	NotificationFailed    NotificationStatus = "failed"
	NotificationThrottled NotificationStatus = "throttled"
	NotificationDuplicate NotificationStatus = "duplicate"
	NotificationSkipped   NotificationStatus = "skipped"
)

// Recipient types resolved by the contact resolver.
const (
	RecipientOperator   = "operator"
	RecipientMonitoring = "monitoring"
	RecipientSupervisor = "supervisor"
	RecipientEmergency  = "emergency"
)

// NotificationDecision is what the AI proposed for an alert.
type NotificationDecision struct {
	AlertID         int64
	CompanyID       int64
	ShouldNotify    bool
	EscalationLevel EscalationLevel
	Channels        []Channel
	MessageText     string
	CallScript      string
	DedupeKey       string
	Reason          string
}

// NotificationRecipient is one target of a decision.
type NotificationRecipient struct {
	Type     string `json:"type"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	WhatsApp string `json:"whatsapp,omitempty"`
	Priority int    `json:"priority"`
}

// AddressFor returns the address to use on channel c, or "" when unreachable.
func (r NotificationRecipient) AddressFor(c Channel) string {
	switch c {
	case ChannelCall, ChannelSMS:
		return r.Phone
	case ChannelWhatsApp:
		if r.WhatsApp != "" {
			return r.WhatsApp
		}
		return r.Phone
	}
	return ""
}

// NotificationResult is one append-only send attempt.
type NotificationResult struct {
	ID              int64
	AlertID         int64
	CompanyID       int64
	Channel         Channel
	RecipientType   string
	To              string
	Success         bool
	ProviderID      string
	Error           string
	EscalationLevel EscalationLevel
	AttentionLevel  int
	DeliveryStatus  string
	SentAt          time.Time
}
