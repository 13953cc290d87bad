package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"nonsense", LevelInfo},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, ParseLevel(tt.input), "input %q", tt.input)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.NotContains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetLevel(LevelInfo)
	logger.SetJSON(true)

	logger.WithField("container", "nginx-proxy").Info("update detected")

	var e entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "INFO", e.Level)
	assert.Equal(t, "update detected", e.Message)
	assert.Equal(t, "nginx-proxy", e.Fields["container"])
}

func TestWithFieldsDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetJSON(true)

	derived := logger.WithFields(map[string]interface{}{"instance": "https://portainer.local"})
	logger.Info("parent message")

	var e entry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Empty(t, e.Fields)

	buf.Reset()
	derived.Info("derived message")
	require.NoError(t, json.Unmarshal(buf.Bytes(), &e))
	assert.Equal(t, "https://portainer.local", e.Fields["instance"])
}

func TestCorrelationID(t *testing.T) {
	var buf bytes.Buffer
	logger := New()
	logger.SetOutput(&buf)
	logger.SetJSON(false)

	ctx := WithCorrelationID(context.Background(), "abcdef1234567890")
	logger.InfoContext(ctx, "refresh started")

	assert.True(t, strings.Contains(buf.String(), "[abcdef12]"), "output: %s", buf.String())
	assert.Equal(t, "abcdef1234567890", GetCorrelationID(ctx))
	assert.Empty(t, GetCorrelationID(context.Background()))
}
