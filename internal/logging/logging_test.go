package logging

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConsoleHandler_WritesColoredLine(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewConsoleHandler(&buf))
	logger.Info("hello", "task_id", "abc123")

	out := buf.String()
	require.Contains(t, out, "hello")
	require.Contains(t, out, "task_id=abc123")
	require.Contains(t, out, green)
}

func TestNew_WritesBothConsoleAndJSONFile(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	logger, err := New(dir, &console)
	require.NoError(t, err)

	logger.Warn("disk getting full", "free_bytes", 1024)
	require.Contains(t, console.String(), "disk getting full")

	jsonPath := filepath.Join(dir, "logs", "ketch.json")
	require.FileExists(t, jsonPath)
}
