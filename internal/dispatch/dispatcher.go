// Package dispatch turns a notification decision into ordered send attempts
// and runs the notifications lane.
package dispatch

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
	"github.com/vicbravo9895/sam-engine-sub001/internal/channel"
	"github.com/vicbravo9895/sam-engine-sub001/internal/company"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/clock"
)

// Target is everything one dispatch needs.
type Target struct {
	Alert      *alert.Alert
	Decision   *alert.NotificationDecision
	Recipients []alert.NotificationRecipient
	Settings   *company.Settings
	// Level is the tier that gates channels. Empty uses the decision's tier.
	Level alert.EscalationLevel
	// AttentionLevel is non-zero for attention escalations.
	AttentionLevel int
	// Channels overrides the decision's proposed channels when set.
	Channels []alert.Channel
}

func (t Target) level() alert.EscalationLevel {
	if t.Level != "" {
		return t.Level
	}
	if t.Decision != nil && t.Decision.EscalationLevel != "" {
		return t.Decision.EscalationLevel
	}
	return alert.DefaultEscalationFor(t.Alert.Severity)
}

// Dispatcher sends notifications through the channel registry.
type Dispatcher struct {
	registry *channel.Registry
	clock    clock.Clock
	log      *zap.Logger
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(registry *channel.Registry, clk clock.Clock, log *zap.Logger) *Dispatcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{registry: registry, clock: clk, log: log}
}

// PermittedChannels intersects proposed with the channels the company allows
// at level, in call, whatsapp, sms order.
func PermittedChannels(proposed []alert.Channel, s *company.Settings, level alert.EscalationLevel) []alert.Channel {
	allowed := make(map[alert.Channel]bool)
	for _, c := range s.AllowedChannels(level) {
		allowed[c] = true
	}
	var out []alert.Channel
	for _, c := range alert.SortChannels(proposed) {
		if allowed[c] {
			out = append(out, c)
		}
	}
	return out
}

// sortedRecipients returns recipients by ascending priority, keeping input
// order for ties.
func sortedRecipients(in []alert.NotificationRecipient) []alert.NotificationRecipient {
	out := append([]alert.NotificationRecipient(nil), in...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Send attempts every permitted channel for every addressable recipient.
// Attempts are independent and each yields exactly one result.
func (d *Dispatcher) Send(ctx context.Context, t Target) ([]alert.NotificationResult, error) {
	if t.Alert == nil || t.Decision == nil || t.Settings == nil {
		return nil, errors.New("dispatch target is incomplete")
	}
	level := t.level()
	proposed := t.Channels
	if len(proposed) == 0 {
		proposed = t.Decision.Channels
	}
	channels := PermittedChannels(proposed, t.Settings, level)
	recipients := sortedRecipients(t.Recipients)

	msg := channel.Message{
		AlertID:    t.Alert.ID,
		Text:       t.Decision.MessageText,
		CallScript: t.Decision.CallScript,
		Level:      level,
		TemplateID: t.Settings.WhatsAppTemplateID,
	}

	var results []alert.NotificationResult
	for _, c := range channels {
		sender, ok := d.registry.Get(c)
		if !ok {
			d.log.Warn("No sender registered for channel", zap.String("channel", string(c)))
			continue
		}
		for _, r := range recipients {
			to := r.AddressFor(c)
			if to == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return results, err
			}
			receipt := sender.Send(ctx, to, msg)
			results = append(results, alert.NotificationResult{
				AlertID:         t.Alert.ID,
				CompanyID:       t.Alert.CompanyID,
				Channel:         c,
				RecipientType:   r.Type,
				To:              to,
				Success:         receipt.Success,
				ProviderID:      receipt.SID,
				Error:           receipt.Error,
				EscalationLevel: level,
				AttentionLevel:  t.AttentionLevel,
				SentAt:          d.clock.Now(),
			})
			if !receipt.Success {
				d.log.Warn("Notification attempt failed",
					zap.Int64("alert_id", t.Alert.ID),
					zap.String("channel", string(c)),
					zap.String("recipient_type", r.Type),
					zap.String("error", receipt.Error),
				)
			}
		}
	}
	return results, nil
}

// Summary is the alert-level view of a dispatch.
type Summary struct {
	Status   alert.NotificationStatus
	Channels []alert.Channel
	CallSID  string
}

// Summarize derives the notification status from results: sent when any
// attempt succeeded, failed when all failed, skipped when none were made.
func Summarize(results []alert.NotificationResult) Summary {
	if len(results) == 0 {
		return Summary{Status: alert.NotificationSkipped}
	}
	var (
		s    Summary
		seen = make(map[alert.Channel]bool)
	)
	for _, r := range results {
		if !r.Success {
			continue
		}
		if !seen[r.Channel] {
			seen[r.Channel] = true
			s.Channels = append(s.Channels, r.Channel)
		}
		if r.Channel == alert.ChannelCall && s.CallSID == "" {
			s.CallSID = r.ProviderID
		}
	}
	if len(s.Channels) > 0 {
		s.Status = alert.NotificationSent
		s.Channels = alert.SortChannels(s.Channels)
	} else {
		s.Status = alert.NotificationFailed
	}
	return s
}
