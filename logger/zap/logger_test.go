package zap

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := &Logger{Logger: zap.New(core)}

	l.Debug("d")
	l.Info("i")
	l.Warn("w")
	l.Error("e", errors.New("boom"))

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[1].Level)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	assert.Equal(t, "e", entries[3].Message)
	assert.Equal(t, "boom", entries[3].ContextMap()["error"])
}

func TestNew(t *testing.T) {
	testcases := []struct {
		name    string
		level   string
		format  string
		enabled zapcore.Level
	}{
		{name: "json info", level: "info", format: "json", enabled: zapcore.InfoLevel},
		{name: "console debug", level: "DEBUG", format: "console", enabled: zapcore.DebugLevel},
		{name: "unknown level", level: "loud", format: "json", enabled: zapcore.InfoLevel},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			l, err := New(tc.level, tc.format)
			require.NoError(t, err)

			assert.True(t, l.Logger.Core().Enabled(tc.enabled))
			assert.False(t, l.Logger.Core().Enabled(tc.enabled-1))
		})
	}
}
