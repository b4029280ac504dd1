package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "info", Output: &buf})

	logger.Debug("hidden")
	logger.Info("Credential granted", "scope", "openai")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "Credential granted", record["msg"])
	assert.Equal(t, "openai", record["scope"])
}

func TestNewLoggerText(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "debug", Format: "TEXT", Output: &buf})

	logger.Debug("Pending request queued", "id", "abc")

	assert.Contains(t, buf.String(), "level=DEBUG")
	assert.Contains(t, buf.String(), `msg="Pending request queued"`)
	assert.Contains(t, buf.String(), "id=abc")
}

func TestSetLevelAffectsDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(Config{Level: "error", Output: &buf})
	child := logger.With("component", "store")

	child.Warn("dropped")
	assert.Empty(t, buf.String())

	logger.SetLevel("warn")
	assert.Equal(t, slog.LevelWarn, logger.Level())
	child.Warn("kept")
	assert.Contains(t, buf.String(), "kept")
	assert.Contains(t, buf.String(), `"component":"store"`)
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"verbose": slog.LevelInfo,
		"":        slog.LevelInfo,
	}
	for name, want := range tests {
		assert.Equal(t, want, ParseLevel(name), name)
	}
}

func TestValidateLevel(t *testing.T) {
	assert.NoError(t, ValidateLevel("warn"))
	assert.NoError(t, ValidateLevel(""))
	assert.Error(t, ValidateLevel("verbose"))
}
