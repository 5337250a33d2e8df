// Package config provides configuration parsing and validation for the alert worker.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/internal/queue"
	"github.com/vicbravo9895/sam-engine-sub001/pkg/logger"
)

// ServiceName is reported in logs and service metrics.
const ServiceName = "alert-worker"

// Config holds all configuration parameters for the alert worker.
type Config struct {
	KafkaBrokers    string
	TopicPrefix     string
	ConsumerGroupID string
	// Lanes is a comma-separated subset of lanes to consume. Empty means all.
	Lanes      string
	Workers    int
	JobTimeout time.Duration

	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	DefaultsFile  string
	HTTPPort      string

	AIBaseURL         string
	AIAPIKey          string
	AITimeout         time.Duration
	TelematicsBaseURL string

	ChannelBaseURL      string
	ChannelAccountSID   string
	ChannelAuthToken    string
	ChannelFromNumber   string
	ChannelWhatsAppFrom string

	AWSRegion         string
	EvidenceBucket    string
	EvidencePublicURL string

	OpsEmailFrom     string
	OpsEmailProvider string
	ResendAPIKey     string

	LogLevel        string
	LogFormat       string
	LogFile         string
	CriticalLogFile string
}

// Validate checks that all required configuration fields are set and have valid values.
func (c *Config) Validate() error {
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("topic-prefix cannot be empty")
	}
	if c.ConsumerGroupID == "" {
		return fmt.Errorf("consumer-group-id cannot be empty")
	}
	if _, err := c.ParsedLanes(); err != nil {
		return err
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job-timeout must be positive")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.AIBaseURL == "" {
		return fmt.Errorf("ai-base-url cannot be empty")
	}
	if c.ChannelBaseURL == "" {
		return fmt.Errorf("channel-base-url cannot be empty")
	}
	switch c.OpsEmailProvider {
	case "", "ses", "resend":
	default:
		return fmt.Errorf("ops-email-provider must be ses or resend")
	}
	if c.OpsEmailProvider == "resend" && c.ResendAPIKey == "" {
		return fmt.Errorf("resend-api-key cannot be empty when ops-email-provider is resend")
	}
	return nil
}

// ParsedLanes returns the lanes to consume.
func (c *Config) ParsedLanes() ([]queue.Lane, error) {
	if strings.TrimSpace(c.Lanes) == "" {
		return queue.Lanes, nil
	}
	var lanes []queue.Lane
	seen := make(map[queue.Lane]bool)
	for _, name := range strings.Split(c.Lanes, ",") {
		lane, err := queue.ParseLane(strings.TrimSpace(name))
		if err != nil {
			return nil, fmt.Errorf("lanes: %w", err)
		}
		if !seen[lane] {
			seen[lane] = true
			lanes = append(lanes, lane)
		}
	}
	return lanes, nil
}

// Logger returns the logger configuration.
func (c *Config) Logger() logger.Config {
	return logger.Config{
		Level:            c.LogLevel,
		Format:           c.LogFormat,
		ServiceName:      ServiceName,
		FilePath:         c.LogFile,
		CriticalFilePath: c.CriticalLogFile,
	}
}
