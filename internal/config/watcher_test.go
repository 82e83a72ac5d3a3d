package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, initial string) (*ConfigWatcher, string, chan string) {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	if initial != "" {
		require.NoError(t, os.WriteFile(envPath, []byte(initial), 0o600))
	}

	levels := make(chan string, 4)
	cw, err := NewConfigWatcher(&Config{DataDir: dir, EnvFile: envPath, LogLevel: "info"}, func(level string) {
		levels <- level
	})
	require.NoError(t, err)
	cw.debounce = 10 * time.Millisecond
	t.Cleanup(cw.Stop)
	return cw, envPath, levels
}

func TestReloadConfigAppliesLogLevel(t *testing.T) {
	cw, envPath, levels := newTestWatcher(t, "TOKENGATE_LOG_LEVEL=info\n")

	require.NoError(t, os.WriteFile(envPath, []byte("TOKENGATE_LOG_LEVEL='debug'\n"), 0o600))
	cw.ReloadConfig()

	select {
	case level := <-levels:
		assert.Equal(t, "debug", level)
	default:
		t.Fatal("expected log level callback")
	}
	assert.Equal(t, "debug", cw.LogLevel())

	// Same value again is not a change.
	cw.ReloadConfig()
	assert.Empty(t, levels)
}

func TestReloadConfigIgnoresMissingKeyAndFile(t *testing.T) {
	cw, envPath, levels := newTestWatcher(t, "")

	cw.ReloadConfig()
	require.NoError(t, os.WriteFile(envPath, []byte("OTHER=1\n"), 0o600))
	cw.ReloadConfig()

	assert.Empty(t, levels)
	assert.Equal(t, "info", cw.LogLevel())
}

func TestWatcherDetectsWrites(t *testing.T) {
	cw, envPath, levels := newTestWatcher(t, "TOKENGATE_LOG_LEVEL=info\n")
	require.NoError(t, cw.Start())

	require.NoError(t, os.WriteFile(envPath, []byte("TOKENGATE_LOG_LEVEL=warn\n"), 0o600))

	select {
	case level := <-levels:
		assert.Equal(t, "warn", level)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for .env change")
	}
}

func TestWatcherPollingFallback(t *testing.T) {
	cw, envPath, levels := newTestWatcher(t, "TOKENGATE_LOG_LEVEL=info\n")
	cw.pollInterval = 10 * time.Millisecond
	go cw.pollForChanges()

	require.NoError(t, os.WriteFile(envPath, []byte("TOKENGATE_LOG_LEVEL=error\n"), 0o600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(envPath, future, future))

	select {
	case level := <-levels:
		assert.Equal(t, "error", level)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for polled change")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	cw, _, _ := newTestWatcher(t, "")
	cw.Stop()
	cw.Stop()
}
