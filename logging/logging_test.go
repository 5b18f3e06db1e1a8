package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {

	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
	assert.Equal(t, slog.LevelInfo, parseLevel("verbose"))
}

func TestSetup_File(t *testing.T) {

	defer slog.SetDefault(slog.Default())

	path := filepath.Join(t.TempDir(), "facilitator.log")
	logger, closer := Setup(Options{
		Service: "split-facilitator",
		Env:     "test",
		Level:   "warn",
		Format:  "json",
		File:    path,
	})

	logger.Info("dropped")
	logger.Warn("kept", "nonce", "n-1")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)

	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"severity":"WARN"`)
	assert.Contains(t, out, `"service":"split-facilitator"`)
	assert.Contains(t, out, `"env":"test"`)
	assert.Contains(t, out, `"timestamp"`)
	assert.Equal(t, 1, strings.Count(out, "\n"))
}

func TestSetup_NoFile(t *testing.T) {

	defer slog.SetDefault(slog.Default())

	logger, closer := Setup(Options{Service: "split-facilitator", Format: "text"})
	assert.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}
