package channel

import (
	"context"
	"strconv"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// Message is what a strategy sends to one recipient.
type Message struct {
	AlertID    int64
	Text       string
	CallScript string
	Level      alert.EscalationLevel
	// TemplateID selects a WhatsApp template instead of free text.
	TemplateID string
}

// Sender delivers a message over one channel.
type Sender interface {
	Send(ctx context.Context, to string, msg Message) Receipt
	Channel() alert.Channel
}

// Registry maps channels to senders.
type Registry struct {
	senders map[alert.Channel]Sender
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{senders: make(map[alert.Channel]Sender)}
}

// NewProviderRegistry registers the call, WhatsApp and SMS senders backed by p.
func NewProviderRegistry(p Provider) *Registry {
	r := NewRegistry()
	r.Register(&CallSender{provider: p})
	r.Register(&WhatsAppSender{provider: p})
	r.Register(&SMSSender{provider: p})
	return r
}

// Register adds or replaces the sender for its channel.
func (r *Registry) Register(s Sender) {
	r.senders[s.Channel()] = s
}

// Get returns the sender for c.
func (r *Registry) Get(c alert.Channel) (Sender, bool) {
	s, ok := r.senders[c]
	return s, ok
}

// CallSender places voice calls. The call script wins over the message text.
type CallSender struct {
	provider Provider
}

func (s *CallSender) Channel() alert.Channel { return alert.ChannelCall }

func (s *CallSender) Send(ctx context.Context, to string, msg Message) Receipt {
	script := msg.CallScript
	if script == "" {
		script = msg.Text
	}
	return s.provider.MakeCall(ctx, to, script)
}

// WhatsAppSender sends WhatsApp messages, using a template when one is configured.
type WhatsAppSender struct {
	provider Provider
}

func (s *WhatsAppSender) Channel() alert.Channel { return alert.ChannelWhatsApp }

func (s *WhatsAppSender) Send(ctx context.Context, to string, msg Message) Receipt {
	if msg.TemplateID != "" {
		return s.provider.SendWhatsAppTemplate(ctx, to, msg.TemplateID, map[string]string{
			"1": msg.Text,
			"2": string(msg.Level),
			"3": strconv.FormatInt(msg.AlertID, 10),
		})
	}
	return s.provider.SendWhatsApp(ctx, to, msg.Text)
}

// SMSSender sends text messages.
type SMSSender struct {
	provider Provider
}

func (s *SMSSender) Channel() alert.Channel { return alert.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, to string, msg Message) Receipt {
	return s.provider.SendSMS(ctx, to, msg.Text)
}
