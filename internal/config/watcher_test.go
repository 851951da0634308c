package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusterconfig.json")

	cfg := Default()
	require.NoError(t, Save(path, cfg))

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer w.Close()

	cfg.MinInstances = 7
	require.NoError(t, Save(path, cfg))

	select {
	case got := <-reloaded:
		assert.Equal(t, 7, got.MinInstances)
	case <-time.After(2 * time.Second):
		t.Fatal("expected onChange to fire after the config file was rewritten")
	}
}

func TestWatcherKeepsPreviousSnapshotOnMalformedWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clusterconfig.json")

	cfg := Default()
	require.NoError(t, Save(path, cfg))

	reloaded := make(chan Config, 1)
	w, err := NewWatcher(path, func(c Config) {
		reloaded <- c
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("{broken"), 0o644))

	select {
	case <-reloaded:
		t.Fatal("onChange must not fire for a malformed config file")
	case <-time.After(500 * time.Millisecond):
		// Expected: the watcher logs and keeps the previous snapshot.
	}
}
