// Package config provides configuration parsing and validation for the attention sweeper.
package config

import (
	"fmt"
	"time"

	"github.com/vicbravo9895/sam-engine-sub001/pkg/logger"
)

// ServiceName is reported in logs and service metrics.
const ServiceName = "attention-sweeper"

// Config holds all configuration parameters for the attention sweeper.
type Config struct {
	KafkaBrokers  string
	TopicPrefix   string
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	DefaultsFile  string
	HTTPPort      string

	// JobTimeout bounds one run of a scheduled job.
	JobTimeout    time.Duration
	PumpInterval  time.Duration
	RelayInterval time.Duration
	EventsPrefix  string

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
	if c.EventsPrefix == "" {
		return fmt.Errorf("events-prefix cannot be empty")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.JobTimeout <= 0 {
		return fmt.Errorf("job-timeout must be positive")
	}
	if c.PumpInterval <= 0 {
		return fmt.Errorf("pump-interval must be positive")
	}
	if c.RelayInterval <= 0 {
		return fmt.Errorf("relay-interval must be positive")
	}
	return nil
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
