package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{input: "", expected: slog.LevelInfo},
		{input: "debug", expected: slog.LevelDebug},
		{input: "trace", expected: slog.LevelDebug},
		{input: "INFO", expected: slog.LevelInfo},
		{input: "warn", expected: slog.LevelWarn},
		{input: "Warning", expected: slog.LevelWarn},
		{input: "error", expected: slog.LevelError},
		{input: "verbose", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, level)
		})
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})

	logger.Debug("dropped")
	logger.Warn("handshake rejected", "reason", "untrusted_chain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1, "debug is below the configured level")

	var record map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &record))
	assert.Equal(t, "handshake rejected", record["message"])
	assert.Equal(t, "warn", record["level"])
	assert.Equal(t, "untrusted_chain", record["reason"])
	assert.Contains(t, record, "time")
	assert.NotContains(t, record, "msg")
}

func TestNewLoggerGroupsKeepKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Output: &buf}).WithGroup("peer")
	logger.Info("ok", "msg", "nested")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	peer, ok := record["peer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "nested", peer["msg"])
}

func TestNewLoggerPretty(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Pretty: true, Output: &buf})
	logger.Info("TLS server listening", "address", ":5001")

	out := buf.String()
	assert.Contains(t, out, "TLS server listening")
	assert.Contains(t, out, "address=")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "console output is not JSON")
}

func TestNewLoggerInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "loud", Output: &buf})
	logger.Debug("hidden")
	logger.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}
