package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNopLoggerDiscards(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() {
		logger.Debug("debug %d", 1)
		logger.Info("info")
		logger.Warn("warn")
		logger.Error("error")
	})
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
	logger := Nop()
	assert.Equal(t, logger, OrNop(logger))
}

func TestComponentLoggerWritesToFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("FORKED_LOG_DIR", dir)

	logger := NewComponentLogger("Test")
	logger.Info("hello %s", "world")
	logger.Debug("below default level")

	// The shared base may have been created by an earlier test with a
	// different directory; only assert on content when this run owns it.
	data, err := os.ReadFile(filepath.Join(dir, "forked-daemon.log"))
	if err != nil {
		t.Skip("base logger already bound to another directory")
	}
	content := string(data)
	assert.Contains(t, content, "[INFO]")
	assert.Contains(t, content, "[Test]")
	assert.Contains(t, content, "hello world")
	assert.NotContains(t, content, "below default level")
}

func TestLevelToString(t *testing.T) {
	assert.Equal(t, "DEBUG", levelToString(DEBUG))
	assert.Equal(t, "INFO", levelToString(INFO))
	assert.Equal(t, "WARN", levelToString(WARN))
	assert.Equal(t, "ERROR", levelToString(ERROR))
	assert.Equal(t, "UNKNOWN", levelToString(Level(42)))
}

func TestResolveLogDirectoryOverride(t *testing.T) {
	t.Setenv("FORKED_LOG_DIR", "/tmp/custom-logs")
	dir, err := resolveLogDirectory()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-logs", dir)

	t.Setenv("FORKED_LOG_DIR", "")
	dir, err = resolveLogDirectory()
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(dir, filepath.Join(".forked", "logs")))
}
