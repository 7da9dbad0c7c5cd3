package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBuffered(t *testing.T, config Config) (*Logger, *bytes.Buffer) {
	t.Helper()
	output := &bytes.Buffer{}
	config.writer = output

	logger, err := New(&config)
	require.NoError(t, err)
	require.NotNil(t, logger)
	return logger, output
}

func decodeLines(t *testing.T, output *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(output.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}
	return entries
}

func TestNew_LevelFiltering(t *testing.T) {
	tests := []struct {
		name       string
		level      string
		wantLevels []string
	}{
		{name: "debug keeps everything", level: "debug", wantLevels: []string{"DEBUG", "INFO", "WARN", "ERROR"}},
		{name: "info drops debug", level: "info", wantLevels: []string{"INFO", "WARN", "ERROR"}},
		{name: "warn", level: "warn", wantLevels: []string{"WARN", "ERROR"}},
		{name: "error only", level: "error", wantLevels: []string{"ERROR"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, output := newBuffered(t, Config{Level: tt.level, Format: "json"})

			logger.Debug("polling", slog.String("worker_id", "w-1"))
			logger.Info("claimed job", slog.String("worker_id", "w-1"))
			logger.Warn("claim lost", slog.String("worker_id", "w-1"))
			logger.Error("transform failed", slog.String("worker_id", "w-1"))

			entries := decodeLines(t, output)
			require.Len(t, entries, len(tt.wantLevels))
			for i, entry := range entries {
				assert.Equal(t, tt.wantLevels[i], entry["level"])
				assert.Equal(t, "w-1", entry["worker_id"])
				assert.Contains(t, entry, "time")
			}
		})
	}
}

func TestNew_ConsoleFormat(t *testing.T) {
	for _, format := range []string{"console", ""} {
		t.Run("format="+format, func(t *testing.T) {
			logger, output := newBuffered(t, Config{Level: "info", Format: format, NoColor: true})

			logger.Info("worker started", slog.String("worker_id", "w-2"))

			line := output.String()
			// tint abbreviates levels.
			assert.Contains(t, line, "INF")
			assert.Contains(t, line, "worker started")
			assert.Contains(t, line, "worker_id=w-2")
		})
	}
}

func TestNew_EnableSource(t *testing.T) {
	logger, output := newBuffered(t, Config{Level: "info", Format: "json", EnableSource: true})

	logger.Info("with source")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	source, ok := entries[0]["source"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, source, "file")
	assert.Contains(t, source, "line")
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	require.NotNil(t, logger)
	assert.NotNil(t, logger.Logger)
	assert.NoError(t, logger.Close())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{" warning ", slog.LevelWarn},
		{"verbose", slog.LevelInfo},
		{"", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run("level="+tt.level, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseLevel(tt.level))
		})
	}
}

func TestLogger_Derived(t *testing.T) {
	logger, output := newBuffered(t, Config{Level: "info", Format: "json"})

	logger.WithGroup("job").Info("claimed", slog.String("id", "j-1"), slog.Int("attempt", 2))
	logger.WithAttrs(slog.String("request_id", "r-9")).Info("served")
	logger.With("container", "jobs", "keys", 3).Info("listed")

	entries := decodeLines(t, output)
	require.Len(t, entries, 3)

	group, ok := entries[0]["job"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "j-1", group["id"])
	assert.Equal(t, float64(2), group["attempt"])

	assert.Equal(t, "r-9", entries[1]["request_id"])

	assert.Equal(t, "jobs", entries[2]["container"])
	assert.Equal(t, float64(3), entries[2]["keys"])
}

func TestNew_ServiceAttribute(t *testing.T) {
	logger, output := newBuffered(t, Config{Level: "info", Format: "json", Service: "worker-service"})

	logger.Info("started")

	entries := decodeLines(t, output)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-service", entries[0]["service"])
}

func TestNew_UnsupportedFormat(t *testing.T) {
	logger, err := New(&Config{Format: "xml", writer: &bytes.Buffer{}})
	require.Error(t, err)
	assert.Nil(t, logger)
	assert.Contains(t, err.Error(), "unsupported log format")
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "worker.log")

	logger, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)

	logger.Info("written to file", slog.String("job_id", "abc"))
	require.NoError(t, logger.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 1)
	assert.Equal(t, "written to file", entries[0]["msg"])
	assert.Equal(t, "abc", entries[0]["job_id"])
}

func TestNewDiscard(t *testing.T) {
	logger := NewDiscard()
	require.NotNil(t, logger)
	logger.Info("dropped")
	assert.NoError(t, logger.Close())
}
