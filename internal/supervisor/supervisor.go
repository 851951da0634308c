// Package supervisor maintains the pool of workers: the port-to-Worker
// mapping, config snapshot, smoothed cluster rate, and per-user counters.
// It is the sole owner of the worker map — the dispatcher and HTTP plane
// only ever hold transient references returned by its methods.
package supervisor

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/ollamapool/cluster/internal/clustererr"
	"github.com/ollamapool/cluster/internal/config"
	"github.com/ollamapool/cluster/internal/logging"
	"github.com/ollamapool/cluster/internal/portalloc"
	"github.com/ollamapool/cluster/internal/worker"
)

// workerMap is swapped wholesale on every write so readers (dispatcher,
// HTTP plane, control loop snapshot) never observe a torn map and writers
// never block on a reader holding a lock.
type workerMap map[int]*worker.Worker

// Supervisor owns the worker pool.
type Supervisor struct {
	logger zerolog.Logger

	// writeMu serializes StartInstance/KillInstance/Shutdown so two writers
	// never race constructing the next workerMap generation. Reload does not
	// take it; the config snapshot is swapped through its own atomic pointer.
	writeMu sync.Mutex
	workers atomic.Pointer[workerMap]

	cfg atomic.Pointer[config.Config]

	// rateMu guards clusterRps and rpsHistory. Only the control loop
	// writes these; the HTTP plane reads them. A
	// mutex is used instead of bare floats so a race detector never flags
	// what the spec treats as acceptable staleness — it is still a
	// single logical writer.
	rateMu     sync.Mutex
	clusterRps float64
	rpsHistory []float64

	usersMu sync.RWMutex
	users   map[string]*atomic.Int64

	reapCount atomic.Int64
}

// New constructs an empty Supervisor holding the given initial config.
func New(cfg config.Config) *Supervisor {
	m := make(workerMap)
	s := &Supervisor{
		logger: logging.WithComponent("supervisor"),
		users:  make(map[string]*atomic.Int64),
	}
	s.workers.Store(&m)
	s.cfg.Store(&cfg)
	return s
}

// Config returns the current immutable config snapshot.
func (s *Supervisor) Config() config.Config {
	return *s.cfg.Load()
}

// Reload atomically replaces the config snapshot every subsystem reads.
func (s *Supervisor) Reload(cfg config.Config) {
	s.cfg.Store(&cfg)
	s.logger.Info().Msg("configuration reloaded")
}

// Enumerate returns a snapshot slice of the current workers. Order is
// unspecified.
func (s *Supervisor) Enumerate() []*worker.Worker {
	m := *s.workers.Load()
	out := make([]*worker.Worker, 0, len(m))
	for _, w := range m {
		out = append(out, w)
	}
	return out
}

// Len returns the current pool size.
func (s *Supervisor) Len() int {
	return len(*s.workers.Load())
}

// FindByPort returns the worker at port, if any.
func (s *Supervisor) FindByPort(port int) (*worker.Worker, bool) {
	m := *s.workers.Load()
	w, ok := m[port]
	return w, ok
}

// InitialFill starts exactly cfg.MinInstances workers.
func (s *Supervisor) InitialFill() {
	n := s.Config().MinInstances
	for i := 0; i < n; i++ {
		if err := s.StartInstance(); err != nil {
			s.logger.Error().Err(err).Msg("initial fill: StartInstance failed")
		}
	}
}

// StartInstance is a no-op once the pool has reached MaxInstances.
// Otherwise it allocates a port, constructs a Worker, inserts it into the
// map, and starts it — insertion precedes Start so a concurrent control-loop
// scan observes the new entry even before its subprocess is up.
func (s *Supervisor) StartInstance() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cfg := s.Config()
	if s.Len() >= cfg.MaxInstances {
		return nil
	}

	port, err := portalloc.Alloc()
	if err != nil {
		s.logger.Error().Err(err).Msg("StartInstance: port allocation failed")
		return err
	}

	w := worker.New(port, cfg.Model, cfg.MaxConcurrency, cfg.BinaryPath)
	s.insert(w)

	if err := w.Start(); err != nil {
		s.logger.Error().Err(err).Int("port", port).Msg("StartInstance: spawn failed")
		return clustererr.Wrap(clustererr.KindSpawnFailed, err, "worker on port %d failed to start", port)
	}

	s.logger.Info().Int("port", port).Int("pool_size", s.Len()).Msg("instance started")
	return nil
}

// KillInstance kills w and removes it from the map.
func (s *Supervisor) KillInstance(w *worker.Worker) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	w.Kill()
	w.Close()
	s.remove(w.Port)

	s.logger.Info().Int("port", w.Port).Int("pool_size", s.Len()).Msg("instance killed")
}

// IncrementReapCount bumps the cluster-wide reap-and-replace counter. Called
// by the control loop once per dead worker it reaps, not per kill in
// general — a manual scale-down is not a reap.
func (s *Supervisor) IncrementReapCount() {
	s.reapCount.Add(1)
}

// ReapCount returns the number of reap-and-replace events observed since
// startup.
func (s *Supervisor) ReapCount() int64 {
	return s.reapCount.Load()
}

// KillPort kills and removes the worker at port, if present.
func (s *Supervisor) KillPort(port int) bool {
	w, ok := s.FindByPort(port)
	if !ok {
		return false
	}
	s.KillInstance(w)
	return true
}

// insert must be called with writeMu held.
func (s *Supervisor) insert(w *worker.Worker) {
	old := *s.workers.Load()
	next := make(workerMap, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[w.Port] = w
	s.workers.Store(&next)
}

// remove must be called with writeMu held.
func (s *Supervisor) remove(port int) {
	old := *s.workers.Load()
	next := make(workerMap, len(old))
	for k, v := range old {
		if k != port {
			next[k] = v
		}
	}
	s.workers.Store(&next)
}

// UpdateRate folds rawRps into the smoothed clusterRps EMA, appends the new
// smoothed sample to rpsHistory (evicting the oldest once it exceeds the
// configured window), and returns the updated (clusterRps, trend) pair.
//
// rpsHistory stores the smoothed value, not the raw per-tick sum — trend is
// therefore a trend of an already-smoothed series. This is preserved
// verbatim from the source design; see DESIGN.md.
func (s *Supervisor) UpdateRate(rawRps float64) (rps float64, trend float64) {
	window := s.Config().PredictiveRpsWindow

	s.rateMu.Lock()
	defer s.rateMu.Unlock()

	const alpha = 0.2
	s.clusterRps = alpha*rawRps + (1-alpha)*s.clusterRps

	s.rpsHistory = append(s.rpsHistory, s.clusterRps)
	if len(s.rpsHistory) > window {
		s.rpsHistory = s.rpsHistory[len(s.rpsHistory)-window:]
	}

	trend = 0
	if len(s.rpsHistory) >= 2 {
		trend = s.rpsHistory[len(s.rpsHistory)-1] - s.rpsHistory[0]
	}

	return s.clusterRps, trend
}

// ClusterRps returns the current smoothed cluster rate.
func (s *Supervisor) ClusterRps() float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	return s.clusterRps
}

// RpsHistory returns a copy of the current history window.
func (s *Supervisor) RpsHistory() []float64 {
	s.rateMu.Lock()
	defer s.rateMu.Unlock()
	out := make([]float64, len(s.rpsHistory))
	copy(out, s.rpsHistory)
	return out
}

// IncrementUser bumps the advisory per-user counter, creating it at 1 if
// absent.
func (s *Supervisor) IncrementUser(user string) {
	if user == "" {
		return
	}

	s.usersMu.RLock()
	counter, ok := s.users[user]
	s.usersMu.RUnlock()

	if !ok {
		s.usersMu.Lock()
		counter, ok = s.users[user]
		if !ok {
			counter = &atomic.Int64{}
			s.users[user] = counter
		}
		s.usersMu.Unlock()
	}

	counter.Add(1)
}

// UserCounters returns a snapshot of every user's counter.
func (s *Supervisor) UserCounters() map[string]int64 {
	s.usersMu.RLock()
	defer s.usersMu.RUnlock()

	out := make(map[string]int64, len(s.users))
	for user, counter := range s.users {
		out[user] = counter.Load()
	}
	return out
}

// ResetUsers clears every per-user counter.
func (s *Supervisor) ResetUsers() {
	s.usersMu.Lock()
	s.users = make(map[string]*atomic.Int64)
	s.usersMu.Unlock()
}

// Shutdown kills every worker in the pool, best-effort.
func (s *Supervisor) Shutdown() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	m := *s.workers.Load()
	for _, w := range m {
		w.Kill()
		w.Close()
	}
	s.workers.Store(&workerMap{})
	s.logger.Info().Msg("all workers shut down")
}
