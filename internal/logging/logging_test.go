package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		mode, level string
		enabled     zapcore.Level
		disabled    zapcore.Level
	}{
		{"production", "", zapcore.InfoLevel, zapcore.DebugLevel},
		{"prod", "warn", zapcore.WarnLevel, zapcore.InfoLevel},
		{"development", "", zapcore.DebugLevel, zapcore.DebugLevel - 1},
		{"", "error", zapcore.ErrorLevel, zapcore.WarnLevel},
	}

	for _, tt := range tests {
		t.Run(tt.mode+"/"+tt.level, func(t *testing.T) {
			log, err := New(tt.mode, tt.level)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(tt.enabled))
			assert.False(t, log.Core().Enabled(tt.disabled))
		})
	}
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("production", "loud")
	assert.Error(t, err)
}
