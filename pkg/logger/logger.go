// Package logger builds the zap loggers used by every service.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug, info, warn, error (default info)
	Format      string // json or console (default json)
	ServiceName string
	// FilePath enables rotated file output in addition to stdout.
	FilePath string
	// CriticalFilePath is where the critical channel is written. Empty means stdout only.
	CriticalFilePath string
	MaxSizeMB        int
	MaxBackups       int
	MaxAgeDays       int
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoder(format string) zapcore.Encoder {
	if format == "console" {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(cfg)
}

func (c Config) rotator(path string) *lumberjack.Logger {
	maxSize := c.MaxSizeMB
	if maxSize <= 0 {
		maxSize = 100
	}
	maxBackups := c.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 5
	}
	maxAge := c.MaxAgeDays
	if maxAge <= 0 {
		maxAge = 14
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
}

// New builds the service logger. Output goes to stdout and, when FilePath is set,
// to a rotated file as well.
func New(cfg Config) (*zap.Logger, error) {
	level := zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	enc := encoder(cfg.Format)

	cores := []zapcore.Core{
		zapcore.NewCore(enc, zapcore.Lock(os.Stdout), level),
	}
	if cfg.FilePath != "" {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(cfg.rotator(cfg.FilePath)), level))
	}

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.ErrorOutput(zapcore.Lock(os.Stderr)))
	return withServiceFields(l, cfg.ServiceName), nil
}

// NewCritical builds the elevated channel used for failures that need operator attention.
// Entries are written to base as well, tagged channel=critical.
func NewCritical(base *zap.Logger, cfg Config) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	if cfg.CriticalFilePath == "" {
		return base.With(zap.String("channel", "critical"))
	}

	fileCore := zapcore.NewCore(
		encoder("json"),
		zapcore.AddSync(cfg.rotator(cfg.CriticalFilePath)),
		zapcore.WarnLevel,
	)
	tee := base.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, fileCore)
	}))
	return tee.With(zap.String("channel", "critical"))
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func withServiceFields(l *zap.Logger, serviceName string) *zap.Logger {
	if serviceName != "" {
		l = l.With(zap.String("service_name", serviceName))
	}
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		l = l.With(zap.String("hostname", hostname))
	}
	return l
}
