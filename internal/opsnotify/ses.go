package opsnotify

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"go.uber.org/zap"
)

// SESClient is the part of the SES v2 client used here.
type SESClient interface {
	SendEmail(ctx context.Context, in *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESProvider sends through Amazon SES.
type SESProvider struct {
	client SESClient
	log    *zap.Logger
}

// NewSESProvider wraps an SES client. A nil client yields an unconfigured provider.
func NewSESProvider(client SESClient, log *zap.Logger) *SESProvider {
	if log == nil {
		log = zap.NewNop()
	}
	return &SESProvider{client: client, log: log}
}

// LoadSESProvider builds a provider from the default AWS credential chain.
func LoadSESProvider(ctx context.Context, region string, log *zap.Logger) *SESProvider {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		if log != nil {
			log.Warn("Failed to load AWS config, SES provider will be unavailable", zap.Error(err))
		}
		return NewSESProvider(nil, log)
	}
	return NewSESProvider(sesv2.NewFromConfig(cfg), log)
}

func (p *SESProvider) Name() string { return "ses" }

func (p *SESProvider) IsConfigured() bool { return p.client != nil }

func (p *SESProvider) Send(ctx context.Context, req *EmailRequest) error {
	if p.client == nil {
		return errors.New("SES client not initialized")
	}
	if len(req.To) == 0 {
		return errors.New("recipient is required")
	}
	var body types.Body
	if req.HTML != "" {
		body.Html = &types.Content{Data: aws.String(req.HTML)}
	}
	if req.Body != "" {
		body.Text = &types.Content{Data: aws.String(req.Body)}
	}
	out, err := p.client.SendEmail(ctx, &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(req.From),
		Destination:      &types.Destination{ToAddresses: req.To},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(req.Subject)},
				Body:    &body,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("SES send failed: %w", err)
	}
	p.log.Info("Email sent via SES", zap.String("message_id", aws.ToString(out.MessageId)), zap.Strings("to", req.To))
	return nil
}
