package zerolog

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, l := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if l == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(l), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger(t *testing.T) {
	testcases := []struct {
		name      string
		level     string
		wantLevel []string
	}{
		{name: "debug shows everything", level: "debug", wantLevel: []string{"debug", "info", "warn", "error"}},
		{name: "warn hides debug and info", level: "WARN", wantLevel: []string{"warn", "error"}},
		{name: "unknown level means info", level: "verbose", wantLevel: []string{"info", "warn", "error"}},
		{name: "empty level means info", level: "", wantLevel: []string{"info", "warn", "error"}},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewWithWriter(&buf, tc.level, "json")

			l.Debug("d")
			l.Info("i")
			l.Warn("w")
			l.Error("e", errors.New("boom"))

			var got []string
			for _, m := range lines(t, &buf) {
				got = append(got, m["level"].(string))
			}
			assert.Equal(t, tc.wantLevel, got)
		})
	}
}

func TestLoggerErrorField(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "json").Error("publish failed", errors.New("nack"))

	m := lines(t, &buf)[0]
	assert.Equal(t, "publish failed", m["message"])
	assert.Equal(t, "nack", m["error"])
	assert.Equal(t, "eventrelay", m["component"])
}

func TestLoggerConsole(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter(&buf, "info", "console").Info("hello")

	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), `"message"`)
}
