package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/exttool/internal/log"
)

func TestContextAttrs(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := log.New(true, &buf)

	parent := log.ContextAttrs(t.Context(), slog.String("run_id", "r1"))
	child := log.ContextAttrs(parent, slog.String("node", "worker"))
	_ = log.ContextAttrs(parent, slog.String("node", "other"))

	logger.With("component", "test").DebugContext(child, "hello", "dir", "/tmp/usecase1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	require.Equal(t, "hello", record["msg"])
	require.Equal(t, "DEBUG", record["level"])
	require.Equal(t, "r1", record["run_id"])
	require.Equal(t, "worker", record["node"])
	require.Equal(t, "test", record["component"])
	require.Equal(t, "/tmp/usecase1", record["dir"])
}

func TestNew_Level(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log.New(false, &buf).DebugContext(t.Context(), "hidden")
	require.Empty(t, buf.String())
}

func TestOutput(t *testing.T) {
	t.Parallel()
	for _, dest := range []string{"", "stderr", "stdout", "discard"} {
		w, err := log.Output(dest)
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	path := filepath.Join(t.TempDir(), "exttool.log")
	w, err := log.Output(path)
	require.NoError(t, err)
	log.New(false, w).Info("to file")
	require.NoError(t, w.Close())
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(b), `"msg":"to file"`)
}
