package controlloop

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ollamapool/cluster/internal/config"
	"github.com/ollamapool/cluster/internal/supervisor"
)

func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-ollama")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func newTestSupervisor(t *testing.T, mutate func(*config.Config)) *supervisor.Supervisor {
	t.Helper()
	cfg := config.Default()
	cfg.BinaryPath = fakeBinary(t, "sleep 5")
	cfg.MinInstances = 1
	cfg.MaxInstances = 4
	if mutate != nil {
		mutate(&cfg)
	}
	sup := supervisor.New(cfg)
	t.Cleanup(sup.Shutdown)
	return sup
}

func TestReapAndReplaceReplacesDeadNonDisabledWorker(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.BinaryPath = fakeBinary(t, "exit 1")
	})
	require.NoError(t, sup.StartInstance())

	w := sup.Enumerate()[0]
	require.Eventually(t, func() bool { return !w.IsAlive() }, time.Second, 10*time.Millisecond)

	loop := New(sup)
	loop.reapAndReplace(sup.Enumerate())

	assert.Equal(t, int64(1), sup.ReapCount())
	assert.Equal(t, 1, sup.Len(), "the dead worker should have been replaced, not just removed")

	_, stillPresent := sup.FindByPort(w.Port)
	assert.False(t, stillPresent, "the old dead worker's port entry should be gone")
}

func TestReapAndReplaceLeavesDisabledDeadWorkerAlone(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.BinaryPath = fakeBinary(t, "exit 1")
	})
	require.NoError(t, sup.StartInstance())

	w := sup.Enumerate()[0]
	w.SetDisabled(true)
	require.Eventually(t, func() bool { return !w.IsAlive() }, time.Second, 10*time.Millisecond)

	loop := New(sup)
	loop.reapAndReplace(sup.Enumerate())

	assert.Equal(t, int64(0), sup.ReapCount())
	assert.Equal(t, 1, sup.Len(), "a disabled dead worker is left in the pool, operator intent preserved")
}

func TestScaleUpReactiveOnHighLoad(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.MinInstances = 1
		c.MaxInstances = 3
		c.ScaleUpLoadThreshold = 0.1 // trivially exceeded by any inflight request
	})
	require.NoError(t, sup.StartInstance())

	w := sup.Enumerate()[0]
	release := make(chan struct{})
	go w.Execute(func() error { <-release; return nil })
	require.Eventually(t, func() bool { return w.Inflight() == 1 }, time.Second, 10*time.Millisecond)
	defer close(release)

	loop := New(sup)
	loop.scaleUp(0, 0)

	assert.Equal(t, 2, sup.Len(), "high composite load should trigger one reactive scale-up")
}

func TestScaleUpNeverExceedsMaxInstances(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.MinInstances = 2
		c.MaxInstances = 2
		c.ScaleUpLoadThreshold = 0
	})
	sup.InitialFill()
	require.Equal(t, 2, sup.Len())

	loop := New(sup)
	loop.scaleUp(1000, 1000)

	assert.Equal(t, 2, sup.Len(), "scale-up must be a no-op once the pool is already at maxInstances")
}

func TestScaleDownRespectsMinInstances(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.MinInstances = 2
		c.MaxInstances = 5
		c.IdleTimeoutSeconds = 0
		c.ScaleDownLoadThreshold = 1.0
	})
	for i := 0; i < 3; i++ {
		require.NoError(t, sup.StartInstance())
	}
	require.Equal(t, 3, sup.Len())

	loop := New(sup)
	loop.scaleDown(sup.Enumerate())

	assert.Equal(t, 2, sup.Len(), "scale-down must stop once minInstances is reached")
}

func TestScaleDownSkipsRecentlyUsedWorkers(t *testing.T) {
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.MinInstances = 0
		c.MaxInstances = 5
		c.IdleTimeoutSeconds = 3600
		c.ScaleDownLoadThreshold = 1.0
	})
	require.NoError(t, sup.StartInstance())
	w := sup.Enumerate()[0]
	require.NoError(t, w.Execute(func() error { return nil }))

	loop := New(sup)
	loop.scaleDown(sup.Enumerate())

	assert.Equal(t, 1, sup.Len(), "a worker used within idleTimeoutSeconds must not be scaled down")
}

func TestScaleDownImmuneForFreshNeverUsedWorker(t *testing.T) {
	// A worker's lastUsed is seeded to its creation time, so a freshly
	// started, never-dispatched-to worker is idle-timeout-immune rather
	// than immediately eligible for scale-down.
	sup := newTestSupervisor(t, func(c *config.Config) {
		c.MinInstances = 0
		c.MaxInstances = 5
		c.IdleTimeoutSeconds = 300
		c.ScaleDownLoadThreshold = 1.0
	})
	require.NoError(t, sup.StartInstance())

	loop := New(sup)
	loop.scaleDown(sup.Enumerate())

	assert.Equal(t, 1, sup.Len(), "a freshly created worker must survive scale-down for idleTimeoutSeconds")
}

func TestStopIsSafeToCallMultipleTimes(t *testing.T) {
	sup := newTestSupervisor(t, nil)
	loop := New(sup)
	loop.Start()

	assert.NotPanics(t, func() {
		loop.Stop()
		loop.Stop()
	})
}
