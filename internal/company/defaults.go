package company

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// Document is the stored form of settings: the platform defaults file and the
// per-company JSON column share it. Unset fields inherit from the defaults.
type Document struct {
	MaxInvestigations         *int                `json:"max_investigations,omitempty" toml:"max_investigations"`
	DefaultCheckMinutes       *int                `json:"default_check_minutes,omitempty" toml:"default_check_minutes"`
	DedupeWindowMinutes       *int                `json:"dedupe_window_minutes,omitempty" toml:"dedupe_window_minutes"`
	ThrottleWindowMinutes     *int                `json:"throttle_window_minutes,omitempty" toml:"throttle_window_minutes"`
	AckSLAMinutes             map[string]int      `json:"ack_sla_minutes,omitempty" toml:"ack_sla_minutes"`
	ResolveSLAMinutes         map[string]int      `json:"resolve_sla_minutes,omitempty" toml:"resolve_sla_minutes"`
	EscalationIntervalMinutes *int                `json:"escalation_interval_minutes,omitempty" toml:"escalation_interval_minutes"`
	MaxEscalationLevel        *int                `json:"max_escalation_level,omitempty" toml:"max_escalation_level"`
	EscalationMatrix          map[string][]string `json:"escalation_matrix,omitempty" toml:"escalation_matrix"`
	ChannelsEnabled           map[string]bool     `json:"channels_enabled,omitempty" toml:"channels_enabled"`
	Features                  map[string]bool     `json:"features,omitempty" toml:"features"`
	WhatsAppTemplateID        string              `json:"whatsapp_template_id,omitempty" toml:"whatsapp_template_id"`
}

func intPtr(v int) *int { return &v }

// BuiltinDefaults are used when no defaults file is configured.
func BuiltinDefaults() Document {
	return Document{
		MaxInvestigations:         intPtr(3),
		DefaultCheckMinutes:       intPtr(15),
		DedupeWindowMinutes:       intPtr(60),
		ThrottleWindowMinutes:     intPtr(10),
		AckSLAMinutes:             map[string]int{"critical": 5, "warning": 15, "info": 60},
		ResolveSLAMinutes:         map[string]int{"critical": 30, "warning": 120, "info": 480},
		EscalationIntervalMinutes: intPtr(10),
		MaxEscalationLevel:        intPtr(3),
		EscalationMatrix: map[string][]string{
			"critical": {"call", "whatsapp", "sms"},
			"high":     {"whatsapp", "sms"},
			"low":      {"sms"},
			"none":     {},
		},
		ChannelsEnabled: map[string]bool{"call": true, "whatsapp": true, "sms": true},
		Features:        map[string]bool{FeatureAttentionEngine: false, FeatureUsageMetering: false},
	}
}

// LoadDefaults reads a TOML defaults file layered over BuiltinDefaults.
// An empty path returns the builtin defaults.
func LoadDefaults(path string) (Document, error) {
	base := BuiltinDefaults()
	if path == "" {
		return base, nil
	}
	var file Document
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return Document{}, fmt.Errorf("failed to decode defaults file %s: %w", path, err)
	}
	return base.Merge(file), nil
}

// Merge returns d with every field set in override replacing d's value.
// Maps are merged key by key.
func (d Document) Merge(override Document) Document {
	out := d
	if override.MaxInvestigations != nil {
		out.MaxInvestigations = override.MaxInvestigations
	}
	if override.DefaultCheckMinutes != nil {
		out.DefaultCheckMinutes = override.DefaultCheckMinutes
	}
	if override.DedupeWindowMinutes != nil {
		out.DedupeWindowMinutes = override.DedupeWindowMinutes
	}
	if override.ThrottleWindowMinutes != nil {
		out.ThrottleWindowMinutes = override.ThrottleWindowMinutes
	}
	if override.EscalationIntervalMinutes != nil {
		out.EscalationIntervalMinutes = override.EscalationIntervalMinutes
	}
	if override.MaxEscalationLevel != nil {
		out.MaxEscalationLevel = override.MaxEscalationLevel
	}
	if override.WhatsAppTemplateID != "" {
		out.WhatsAppTemplateID = override.WhatsAppTemplateID
	}
	out.AckSLAMinutes = mergeMap(d.AckSLAMinutes, override.AckSLAMinutes)
	out.ResolveSLAMinutes = mergeMap(d.ResolveSLAMinutes, override.ResolveSLAMinutes)
	out.EscalationMatrix = mergeMap(d.EscalationMatrix, override.EscalationMatrix)
	out.ChannelsEnabled = mergeMap(d.ChannelsEnabled, override.ChannelsEnabled)
	out.Features = mergeMap(d.Features, override.Features)
	return out
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	out := make(map[string]V, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func minutes(p *int) time.Duration {
	if p == nil || *p < 0 {
		return 0
	}
	return time.Duration(*p) * time.Minute
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// Resolve converts a document into typed Settings. Unknown severities, tiers
// and channels are dropped.
func (d Document) Resolve(companyID int64) *Settings {
	s := &Settings{
		CompanyID:          companyID,
		MaxInvestigations:  deref(d.MaxInvestigations),
		DefaultCheck:       minutes(d.DefaultCheckMinutes),
		DedupeWindow:       minutes(d.DedupeWindowMinutes),
		ThrottleWindow:     minutes(d.ThrottleWindowMinutes),
		EscalationInterval: minutes(d.EscalationIntervalMinutes),
		MaxEscalationLevel: deref(d.MaxEscalationLevel),
		AckSLA:             make(map[alert.Severity]time.Duration),
		ResolveSLA:         make(map[alert.Severity]time.Duration),
		EscalationMatrix:   make(map[alert.EscalationLevel][]alert.Channel),
		ChannelsEnabled:    make(map[alert.Channel]bool),
		Features:           make(map[string]bool),
		WhatsAppTemplateID: d.WhatsAppTemplateID,
	}
	for k, v := range d.AckSLAMinutes {
		if sev, err := alert.ParseSeverity(k); err == nil {
			s.AckSLA[sev] = time.Duration(v) * time.Minute
		}
	}
	for k, v := range d.ResolveSLAMinutes {
		if sev, err := alert.ParseSeverity(k); err == nil {
			s.ResolveSLA[sev] = time.Duration(v) * time.Minute
		}
	}
	for k, chans := range d.EscalationMatrix {
		level, err := alert.ParseEscalationLevel(k)
		if err != nil {
			continue
		}
		list := make([]alert.Channel, 0, len(chans))
		for _, c := range chans {
			list = append(list, alert.Channel(c))
		}
		s.EscalationMatrix[level] = alert.SortChannels(list)
	}
	for k, v := range d.ChannelsEnabled {
		if c := alert.Channel(k); c.IsValid() {
			s.ChannelsEnabled[c] = v
		}
	}
	for k, v := range d.Features {
		s.Features[k] = v
	}
	return s
}
