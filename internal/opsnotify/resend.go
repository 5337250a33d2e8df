package opsnotify

import (
	"context"
	"errors"
	"fmt"

	"github.com/resend/resend-go/v2"
	"go.uber.org/zap"
)

// ResendSender is the part of the Resend e-mail service used here.
type ResendSender interface {
	Send(params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendProvider sends through the Resend API.
type ResendProvider struct {
	emails ResendSender
	log    *zap.Logger
}

// NewResendProvider creates a provider for apiKey. An empty key yields an
// unconfigured provider.
func NewResendProvider(apiKey string, log *zap.Logger) *ResendProvider {
	if apiKey == "" {
		return NewResendProviderWith(nil, log)
	}
	return NewResendProviderWith(resend.NewClient(apiKey).Emails, log)
}

// NewResendProviderWith wraps an existing e-mail service.
func NewResendProviderWith(emails ResendSender, log *zap.Logger) *ResendProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &ResendProvider{emails: emails, log: log}
}

func (p *ResendProvider) Name() string { return "resend" }

func (p *ResendProvider) IsConfigured() bool { return p.emails != nil }

func (p *ResendProvider) Send(_ context.Context, req *EmailRequest) error {
	if p.emails == nil {
		return errors.New("Resend client not initialized")
	}
	if len(req.To) == 0 {
		return errors.New("recipient is required")
	}
	params := &resend.SendEmailRequest{From: req.From, To: req.To, Subject: req.Subject}
	if req.HTML != "" {
		params.Html = req.HTML
	} else {
		params.Text = req.Body
	}
	out, err := p.emails.Send(params)
	if err != nil {
		return fmt.Errorf("Resend send failed: %w", err)
	}
	p.log.Info("Email sent via Resend", zap.String("email_id", out.Id), zap.Strings("to", req.To))
	return nil
}
