// Package worker owns a single inference subprocess: spawning it, watching
// it for exit, sampling its resource usage, and bracketing proxied calls so
// inflight/RPS/lastUsed stay consistent under concurrent dispatch.
package worker

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/ollamapool/cluster/internal/logging"
)

const (
	// emaAlpha is the smoothing factor for movingAverageLoad.
	emaAlpha = 0.2

	metricsInterval = 2 * time.Second
	cpuSampleWindow = 100 * time.Millisecond
)

// Worker owns one inference subprocess bound to Port.
type Worker struct {
	Port           int
	Model          string
	MaxConcurrency int
	BinaryPath     string

	logger zerolog.Logger

	// startMu serializes Start/Kill so both are idempotent against
	// concurrent callers (the control loop, the HTTP plane, a crash).
	startMu sync.Mutex
	cmd     *exec.Cmd
	alive   atomic.Bool

	disabled atomic.Bool

	inflight         atomic.Int64
	requestsInWindow atomic.Int64

	// metricsMu guards every field below: derived, single-writer-at-a-time
	// data that readers (dispatcher, HTTP plane) take a consistent
	// snapshot of rather than tearing.
	metricsMu         sync.Mutex
	movingAverageLoad float64
	cpuPercent        float64
	memoryBytes       uint64
	rps               float64
	lastUsed          time.Time

	stopMetrics chan struct{}
	stopOnce    sync.Once
}

// New allocates no resources beyond the struct itself and schedules the
// background metrics ticker; the subprocess is not started until Start is
// called. lastUsed is seeded to the creation time so a freshly created
// worker is idle-timeout-immune for idleTimeoutSeconds, not immediately
// eligible for scale-down.
func New(port int, model string, maxConcurrency int, binaryPath string) *Worker {
	w := &Worker{
		Port:           port,
		Model:          model,
		MaxConcurrency: maxConcurrency,
		BinaryPath:     binaryPath,
		logger:         logging.WithComponent("worker").With().Int("port", port).Logger(),
		stopMetrics:    make(chan struct{}),
		lastUsed:       time.Now(),
	}
	go w.metricsLoop()
	return w
}

// Start is idempotent: if the subprocess exists and has not exited, it
// returns immediately. Otherwise it spawns the binary with
// OLLAMA_HOST=127.0.0.1:<port> and begins monitoring it.
func (w *Worker) Start() error {
	w.startMu.Lock()
	defer w.startMu.Unlock()

	if w.alive.Load() {
		return nil
	}

	cmd := exec.Command(w.BinaryPath, "serve")
	cmd.Env = append(os.Environ(), fmt.Sprintf("OLLAMA_HOST=127.0.0.1:%d", w.Port))
	cmd.Stdout = newLineLogger(w.logger, "stdout")
	cmd.Stderr = newLineLogger(w.logger, "stderr")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		w.logger.Error().Err(err).Msg("failed to spawn inference subprocess")
		return err
	}

	w.cmd = cmd
	w.alive.Store(true)

	w.logger.Info().Int("pid", cmd.Process.Pid).Msg("worker started")

	go w.monitor(cmd)
	return nil
}

// monitor waits for the subprocess to exit and flips alive off.
func (w *Worker) monitor(cmd *exec.Cmd) {
	err := cmd.Wait()

	w.startMu.Lock()
	if w.cmd == cmd {
		w.alive.Store(false)
	}
	w.startMu.Unlock()

	w.logger.Warn().Err(err).Msg("worker subprocess exited")
}

// Kill is idempotent: it terminates the subprocess and its process group
// and waits for it to exit. It never returns an error to the caller —
// failures are logged and swallowed, matching the spec's "never raises".
func (w *Worker) Kill() {
	w.startMu.Lock()
	cmd := w.cmd
	w.startMu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return
	}

	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Fall back to killing just the leader if the group kill failed
		// (e.g. already reaped, or Setpgid was denied by the platform).
		_ = cmd.Process.Kill()
	}
	_, _ = cmd.Process.Wait()

	w.alive.Store(false)
}

// Close stops the worker's background metrics ticker. Call once, when the
// worker is permanently removed from the pool.
func (w *Worker) Close() {
	w.stopOnce.Do(func() { close(w.stopMetrics) })
}

// Execute brackets an upstream call: inflight and requestsInWindow are
// incremented before fn runs, and in an always-executed finalizer inflight
// is decremented, lastUsed is refreshed, and movingAverageLoad is
// recomputed. fn's error is returned unchanged; a failing call never
// poisons the worker.
func (w *Worker) Execute(fn func() error) error {
	w.inflight.Add(1)
	w.requestsInWindow.Add(1)
	defer func() {
		inflight := w.inflight.Add(-1)

		w.metricsMu.Lock()
		w.lastUsed = time.Now()
		ratio := float64(inflight) / float64(w.MaxConcurrency)
		w.movingAverageLoad = (1-emaAlpha)*w.movingAverageLoad + emaAlpha*ratio
		w.metricsMu.Unlock()
	}()
	return fn()
}

// IsAlive reports whether the subprocess exists and has not exited.
func (w *Worker) IsAlive() bool { return w.alive.Load() }

// IsDisabled reports the operator override.
func (w *Worker) IsDisabled() bool { return w.disabled.Load() }

// SetDisabled toggles the operator override.
func (w *Worker) SetDisabled(v bool) { w.disabled.Store(v) }

// IsEligible reports whether the worker may be selected for dispatch.
func (w *Worker) IsEligible() bool { return w.IsAlive() && !w.IsDisabled() }

// Inflight returns the current outstanding-request count.
func (w *Worker) Inflight() int64 { return w.inflight.Load() }

// Snapshot is a consistent, read-only view of a worker's observable state,
// safe to hold after the worker itself has moved on.
type Snapshot struct {
	Port              int
	Model             string
	Alive             bool
	Disabled          bool
	Inflight          int64
	CPUPercent        float64
	MemoryMB          float64
	MovingAverageLoad float64
	CompositeLoad     float64
	RPS               float64
	LastUsed          time.Time
}

// Snapshot takes a consistent snapshot of the worker's current state.
func (w *Worker) Snapshot() Snapshot {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()

	inflight := w.inflight.Load()
	composite := (float64(inflight)/float64(w.MaxConcurrency) + w.cpuPercent/100) / 2

	return Snapshot{
		Port:              w.Port,
		Model:             w.Model,
		Alive:             w.IsAlive(),
		Disabled:          w.IsDisabled(),
		Inflight:          inflight,
		CPUPercent:        w.cpuPercent,
		MemoryMB:          float64(w.memoryBytes) / (1024 * 1024),
		MovingAverageLoad: w.movingAverageLoad,
		CompositeLoad:     composite,
		RPS:               w.rps,
		LastUsed:          w.lastUsed,
	}
}

// CompositeLoad is a convenience accessor used by the dispatcher's
// selection rule and the control loop's scale-up rule.
func (w *Worker) CompositeLoad() float64 {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	inflight := w.inflight.Load()
	return (float64(inflight)/float64(w.MaxConcurrency) + w.cpuPercent/100) / 2
}

// Rps returns requestsInWindow/2, refreshed every metricsInterval.
func (w *Worker) Rps() float64 {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.rps
}

// LastUsed returns the timestamp of the most recently completed Execute, or
// the worker's creation time if no Execute has completed yet.
func (w *Worker) LastUsed() time.Time {
	w.metricsMu.Lock()
	defer w.metricsMu.Unlock()
	return w.lastUsed
}

// metricsLoop refreshes CPU/memory samples and the published rate every
// metricsInterval. Each tick publishes the request count of the window that
// just ended and starts a new one, so Rps reads zero until the first tick
// (2 seconds after New) and lags live traffic by one window after that.
func (w *Worker) metricsLoop() {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.tick()
		case <-w.stopMetrics:
			return
		}
	}
}

func (w *Worker) tick() {
	var cpuPercent float64
	var memBytes uint64

	w.startMu.Lock()
	cmd := w.cmd
	alive := w.alive.Load()
	w.startMu.Unlock()

	if alive && cmd != nil && cmd.Process != nil {
		cpuPercent, memBytes = sampleProcess(cmd.Process.Pid)
	}

	n := w.requestsInWindow.Swap(0)

	w.metricsMu.Lock()
	w.cpuPercent = cpuPercent
	w.memoryBytes = memBytes
	w.rps = float64(n) / metricsInterval.Seconds()
	w.metricsMu.Unlock()
}

// sampleProcess takes two CPU-time readings cpuSampleWindow apart via
// gopsutil and returns (cpuPercent, residentMemoryBytes). It is robust to a
// process that has already exited: gopsutil returns an error and this
// function returns zero values rather than propagating it, since a missed
// sample on a dying worker is not a control-loop-worthy failure.
func sampleProcess(pid int) (cpuPercent float64, memBytes uint64) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, 0
	}

	pct, err := proc.Percent(cpuSampleWindow)
	if err == nil {
		// gopsutil's Percent is Δcpu/Δwall·100 without normalizing by core
		// count, so a multi-threaded process can read up to numCPU·100.
		// Divide it back down so cpuPercent stays in [0, 100].
		cpuPercent = roundTo2(pct / float64(runtime.NumCPU()))
	}

	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		memBytes = mem.RSS
	}

	return cpuPercent, memBytes
}

func roundTo2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
