// Package channel talks to the telephony and messaging gateway. Provider is
// the raw capability set; strategies adapt it to one notification channel each.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// DefaultTimeout bounds one gateway request.
const DefaultTimeout = 30 * time.Second

// Receipt is the gateway's answer to one send.
type Receipt struct {
	Success bool
	SID     string
	Error   string
}

func failed(err error) Receipt {
	return Receipt{Error: err.Error()}
}

// Provider is the messaging/telephony collaborator.
type Provider interface {
	MakeCall(ctx context.Context, to, message string) Receipt
	SendSMS(ctx context.Context, to, message string) Receipt
	SendWhatsApp(ctx context.Context, to, message string) Receipt
	SendWhatsAppTemplate(ctx context.Context, to, templateID string, variables map[string]string) Receipt
}

// Config configures the HTTP gateway client.
type Config struct {
	BaseURL      string
	AccountSID   string
	AuthToken    string
	FromNumber   string
	WhatsAppFrom string
	Timeout      time.Duration
}

// HTTPProvider calls a REST gateway exposing /calls and /messages.
type HTTPProvider struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	log     *zap.Logger
}

type callRequest struct {
	To      string `json:"to"`
	From    string `json:"from"`
	Message string `json:"message"`
}

type messageRequest struct {
	To         string            `json:"to"`
	From       string            `json:"from"`
	Channel    string            `json:"channel"`
	Body       string            `json:"body,omitempty"`
	TemplateID string            `json:"template_id,omitempty"`
	Variables  map[string]string `json:"variables,omitempty"`
}

type gatewayResponse struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
}

// NewHTTPProvider creates a gateway client guarded by a circuit breaker.
func NewHTTPProvider(cfg Config, log *zap.Logger) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.AccountSID != "" {
		client.SetBasicAuth(cfg.AccountSID, cfg.AuthToken)
	}

	p := &HTTPProvider{client: client, cfg: cfg, log: log}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "channel-gateway",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return p
}

// MakeCall places a voice call reading message.
func (p *HTTPProvider) MakeCall(ctx context.Context, to, message string) Receipt {
	return p.post(ctx, "/calls", callRequest{To: to, From: p.cfg.FromNumber, Message: message})
}

// SendSMS sends a text message.
func (p *HTTPProvider) SendSMS(ctx context.Context, to, message string) Receipt {
	return p.post(ctx, "/messages", messageRequest{To: to, From: p.cfg.FromNumber, Channel: "sms", Body: message})
}

// SendWhatsApp sends a free-form WhatsApp message.
func (p *HTTPProvider) SendWhatsApp(ctx context.Context, to, message string) Receipt {
	return p.post(ctx, "/messages", messageRequest{To: to, From: p.whatsAppFrom(), Channel: "whatsapp", Body: message})
}

// SendWhatsAppTemplate sends a pre-approved WhatsApp template.
func (p *HTTPProvider) SendWhatsAppTemplate(ctx context.Context, to, templateID string, variables map[string]string) Receipt {
	return p.post(ctx, "/messages", messageRequest{
		To: to, From: p.whatsAppFrom(), Channel: "whatsapp", TemplateID: templateID, Variables: variables,
	})
}

func (p *HTTPProvider) whatsAppFrom() string {
	if p.cfg.WhatsAppFrom != "" {
		return p.cfg.WhatsAppFrom
	}
	return p.cfg.FromNumber
}

func (p *HTTPProvider) post(ctx context.Context, path string, body any) Receipt {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		var result gatewayResponse
		resp, err := p.client.R().
			SetContext(ctx).
			SetBody(body).
			SetResult(&result).
			SetError(&result).
			Post(path)
		if err != nil {
			return nil, fmt.Errorf("gateway request failed: %w", err)
		}
		if resp.StatusCode() >= http.StatusInternalServerError {
			return nil, fmt.Errorf("gateway returned %d: %s", resp.StatusCode(), result.ErrorMessage)
		}
		return &gatewayReply{status: resp.StatusCode(), body: result}, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			p.log.Warn("Gateway circuit open, send rejected", zap.String("path", path))
		}
		return failed(err)
	}

	reply := out.(*gatewayReply)
	if reply.status >= http.StatusBadRequest {
		msg := reply.body.ErrorMessage
		if msg == "" {
			msg = fmt.Sprintf("gateway rejected request with status %d", reply.status)
		}
		return Receipt{Error: msg}
	}
	if reply.body.SID == "" {
		return Receipt{Error: "gateway response missing sid"}
	}
	return Receipt{Success: true, SID: reply.body.SID}
}

// gatewayReply separates client errors (which do not trip the breaker) from
// transport and server errors (which do).
type gatewayReply struct {
	status int
	body   gatewayResponse
}

var _ Provider = (*HTTPProvider)(nil)
