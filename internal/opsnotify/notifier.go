package opsnotify

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/vicbravo9895/sam-engine-sub001/internal/alert"
)

// Sender sends one e-mail.
type Sender interface {
	Send(ctx context.Context, req *EmailRequest) error
}

// Notifier e-mails a company's operators about terminal failures.
type Notifier struct {
	sender Sender
	from   string
	log    *zap.Logger
}

// NewNotifier creates a notifier. A nil sender disables e-mail.
func NewNotifier(sender Sender, from string, log *zap.Logger) *Notifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Notifier{sender: sender, from: from, log: log}
}

// AlertFailed e-mails recipients about a failed alert. No recipients or no
// sender is a no-op.
func (n *Notifier) AlertFailed(ctx context.Context, recipients []string, a *alert.Alert, reason string) error {
	if n == nil || n.sender == nil || len(recipients) == 0 {
		return nil
	}
	req := &EmailRequest{
		From:    n.from,
		To:      recipients,
		Subject: fmt.Sprintf("[%s] Alert %d failed processing", strings.ToUpper(string(a.Severity)), a.ID),
		Body: fmt.Sprintf(
			"Alert %d (company %d, severity %s) could not be assessed and was marked failed.\n\nReason: %s\n",
			a.ID, a.CompanyID, a.Severity, reason),
	}
	if err := n.sender.Send(ctx, req); err != nil {
		return fmt.Errorf("failed to e-mail operators: %w", err)
	}
	n.log.Info("Operators notified of failed alert", zap.Int64("alert_id", a.ID), zap.Int("recipients", len(recipients)))
	return nil
}
