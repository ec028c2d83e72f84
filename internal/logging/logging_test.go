package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/large-farva/voxdrop/internal/config"
)

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("test", config.LoggingConfig{Level: "loud", Format: "console"})
	assert.Error(t, err)
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "voxdrop.log")
	logger, err := New("test", config.LoggingConfig{Level: "debug", Format: "json", File: path})
	require.NoError(t, err)

	logger.Info("hello file")
	_ = logger.Sync()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "hello file")
	assert.Contains(t, string(b), `"logger":"test"`)
}

// redirect points *stream at a temp file for the test and returns a reader
// for whatever was written there.
func redirect(t *testing.T, stream **os.File) func() string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "stream")
	require.NoError(t, err)
	prev := *stream
	*stream = f
	t.Cleanup(func() {
		*stream = prev
		f.Close()
	})
	return func() string {
		b, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		return string(b)
	}
}

func TestNewWritesToConfiguredStream(t *testing.T) {
	stdout := redirect(t, &os.Stdout)
	stderr := redirect(t, &os.Stderr)

	logger, err := New("test", config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	logger.Info("to stderr")
	_ = logger.Sync()

	logger, err = New("test", config.LoggingConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	logger.Info("to stdout")
	_ = logger.Sync()

	assert.Contains(t, stderr(), "to stderr")
	assert.NotContains(t, stderr(), "to stdout")
	assert.Contains(t, stdout(), "to stdout")
	assert.NotContains(t, stdout(), "to stderr")
}

func TestNewRejectsUnknownOutput(t *testing.T) {
	_, err := New("test", config.LoggingConfig{Level: "info", Format: "console", Output: "syslog"})
	assert.Error(t, err)
}
