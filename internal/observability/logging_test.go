package observability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/openvtt/vttserver/internal/config"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		level  string
		format string
	}{
		{"json debug", "debug", "json"},
		{"json info", "info", "json"},
		{"console warn", "warn", "console"},
		{"console error", "error", "console"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(config.LoggingConfig{Level: tt.level, Format: tt.format})
			require.NoError(t, err)
			require.NotNil(t, logger)
			defer logger.Sync()

			level, err := zapcore.ParseLevel(tt.level)
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(level))
		})
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	logger, err := NewLogger(config.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLogger_BadLevel(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "loud", Format: "json"})
	assert.Error(t, err)
}

func TestNewLogger_BadFormat(t *testing.T) {
	_, err := NewLogger(config.LoggingConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}
