// Package company loads per-tenant settings: credentials, SLA minutes, the
// escalation matrix, channel switches and feature flags.
package company

import (
	"context"
	"errors"
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// Feature flags.
const (
	FeatureAttentionEngine = "attention_engine"
	FeatureUsageMetering   = "usage_metering"
)

// ErrNotFound is returned for unknown companies.
var ErrNotFound = errors.New("company not found")

// Settings is the resolved configuration for one tenant.
type Settings struct {
	CompanyID          int64                                     `json:"company_id"`
	Name               string                                    `json:"name"`
	TelematicsToken    string                                    `json:"telematics_token"`
	OpsEmails          []string                                  `json:"ops_emails,omitempty"`
	MaxInvestigations  int                                       `json:"max_investigations"`
	DefaultCheck       time.Duration                             `json:"default_check"`
	DedupeWindow       time.Duration                             `json:"dedupe_window"`
	ThrottleWindow     time.Duration                             `json:"throttle_window"`
	AckSLA             map[alert.Severity]time.Duration          `json:"ack_sla"`
	ResolveSLA         map[alert.Severity]time.Duration          `json:"resolve_sla"`
	EscalationInterval time.Duration                             `json:"escalation_interval"`
	MaxEscalationLevel int                                       `json:"max_escalation_level"`
	EscalationMatrix   map[alert.EscalationLevel][]alert.Channel `json:"escalation_matrix"`
	ChannelsEnabled    map[alert.Channel]bool                    `json:"channels_enabled"`
	Features           map[string]bool                           `json:"features"`
	WhatsAppTemplateID string                                    `json:"whatsapp_template_id,omitempty"`
}

// Provider resolves settings for a company.
type Provider interface {
	Get(ctx context.Context, companyID int64) (*Settings, error)
}

// Enabled reports whether a feature flag is on.
func (s *Settings) Enabled(feature string) bool {
	return s != nil && s.Features[feature]
}

// HasCredentials reports whether the tenant can call the telematics provider.
func (s *Settings) HasCredentials() bool {
	return s != nil && s.TelematicsToken != ""
}

// AllowedChannels returns the channels permitted at level that are also enabled,
// in dispatch order.
func (s *Settings) AllowedChannels(level alert.EscalationLevel) []alert.Channel {
	var out []alert.Channel
	for _, c := range alert.SortChannels(s.EscalationMatrix[level]) {
		if s.ChannelsEnabled[c] {
			out = append(out, c)
		}
	}
	return out
}

// AckDeadline returns the acknowledgement SLA for severity.
func (s *Settings) AckDeadline(sev alert.Severity) time.Duration {
	if d, ok := s.AckSLA[sev]; ok && d > 0 {
		return d
	}
	return s.AckSLA[alert.SeverityInfo]
}

// ResolveDeadline returns the resolution SLA for severity.
func (s *Settings) ResolveDeadline(sev alert.Severity) time.Duration {
	if d, ok := s.ResolveSLA[sev]; ok && d > 0 {
		return d
	}
	return s.ResolveSLA[alert.SeverityInfo]
}

// NextCheck returns the revalidation delay, using DefaultCheck when minutes is not positive.
func (s *Settings) NextCheck(minutes int) time.Duration {
	if minutes > 0 {
		return time.Duration(minutes) * time.Minute
	}
	if s.DefaultCheck > 0 {
		return s.DefaultCheck
	}
	return 15 * time.Minute
}
