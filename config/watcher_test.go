package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestWatcherLoadsInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeConfigFile(t, path, "server:\n  http_port: 9000\n")

	w, err := NewWatcher(path, time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, 9000, w.Current().Server.HTTPPort)
}

func TestWatcherReloadsOnChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeConfigFile(t, path, "server:\n  http_port: 9000\n")

	w, err := NewWatcher(path, time.Hour, nil)
	require.NoError(t, err)

	var notified *Config
	w.Subscribe(func(cfg *Config) { notified = cfg })

	writeConfigFile(t, path, "server:\n  http_port: 9001\n")
	// Force a mod time strictly after the recorded one; coarse filesystem
	// timestamps can otherwise collapse the two writes.
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	w.poll()

	assert.Equal(t, 9001, w.Current().Server.HTTPPort)
	require.NotNil(t, notified)
	assert.Equal(t, 9001, notified.Server.HTTPPort)
}

func TestWatcherKeepsPreviousOnBadReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeConfigFile(t, path, "server:\n  http_port: 9000\n")

	w, err := NewWatcher(path, time.Hour, nil)
	require.NoError(t, err)

	writeConfigFile(t, path, "server:\n  http_port: -5\n")
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	w.poll()

	assert.Equal(t, 9000, w.Current().Server.HTTPPort)
}

func TestWatcherRejectsInvalidInitialConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "loom.yaml")
	writeConfigFile(t, path, "database:\n  driver: oracle\n")

	_, err := NewWatcher(path, time.Second, nil)
	require.Error(t, err)
}
