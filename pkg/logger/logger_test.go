package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"debug", zapcore.DebugLevel},
		{"DEBUG", zapcore.DebugLevel},
		{"warn", zapcore.WarnLevel},
		{"warning", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
		{"info", zapcore.InfoLevel},
		{"", zapcore.InfoLevel},
		{"bogus", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestNew_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "svc.log")
	l, err := New(Config{Level: "info", ServiceName: "alert-worker", FilePath: path})
	require.NoError(t, err)

	l.Info("hello")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"service_name":"alert-worker"`)
	assert.Contains(t, string(data), "hello")
}

func TestNewCritical_TagsChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	critical := NewCritical(zap.New(core), Config{})

	critical.Error("alert failed")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "critical", logs.All()[0].ContextMap()["channel"])
}

func TestNewCritical_WritesCriticalFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "critical.log")
	core, logs := observer.New(zapcore.InfoLevel)
	critical := NewCritical(zap.New(core), Config{CriticalFilePath: path})

	critical.Error("alert failed", zap.Int64("alert_id", 7))
	_ = critical.Sync()

	assert.Equal(t, 1, logs.Len())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"alert_id":7`)
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	l := zap.NewExample()
	assert.Same(t, l, OrNop(l))
}
