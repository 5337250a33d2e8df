// Package config provides configuration parsing and validation for the ingest API.
package config

import (
	"fmt"
	"strconv"

	"github.com/vicbravo9895/sam-engine-sub001/pkg/logger"
)

// ServiceName is reported in logs and service metrics.
const ServiceName = "ingest-api"

// Config holds all configuration parameters for the ingest API.
type Config struct {
	HTTPPort        string
	PostgresDSN     string
	RedisAddr       string
	RedisPassword   string
	KafkaBrokers    string
	TopicPrefix     string
	DefaultsFile    string
	LogLevel        string
	LogFormat       string
	LogFile         string
	CriticalLogFile string
}

// Validate checks that all required configuration fields are set and have valid values.
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("http-port cannot be empty")
	}
	if port, err := strconv.Atoi(c.HTTPPort); err != nil || port <= 0 || port > 65535 {
		return fmt.Errorf("http-port must be a valid port number")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("postgres-dsn cannot be empty")
	}
	if c.RedisAddr == "" {
		return fmt.Errorf("redis-addr cannot be empty")
	}
	if c.KafkaBrokers == "" {
		return fmt.Errorf("kafka-brokers cannot be empty")
	}
	if c.TopicPrefix == "" {
		return fmt.Errorf("topic-prefix cannot be empty")
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
