// Package controlloop runs the periodic scan that reaps dead workers,
// recomputes the smoothed cluster rate and trend, and applies the
// scale-up/scale-down rules under hysteresis.
package controlloop

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ollamapool/cluster/internal/logging"
	"github.com/ollamapool/cluster/internal/supervisor"
	"github.com/ollamapool/cluster/internal/worker"
)

const tickInterval = 1 * time.Second

// Loop ticks once per second, performing reap+replace, rate/trend update,
// and scale rules in order. Any error within a tick is logged and
// swallowed — the loop must never die on a transient failure.
type Loop struct {
	sup      *supervisor.Supervisor
	logger   zerolog.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a Loop bound to sup. Call Start to begin ticking.
func New(sup *supervisor.Supervisor) *Loop {
	return &Loop{
		sup:    sup,
		logger: logging.WithComponent("control-loop"),
		stopCh: make(chan struct{}),
	}
}

// Start runs the loop in its own goroutine.
func (l *Loop) Start() {
	go l.run()
}

// Stop requests the loop exit at its next sleep point. Safe to call more
// than once.
func (l *Loop) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func (l *Loop) run() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tick()
		case <-l.stopCh:
			return
		}
	}
}

// tick performs one iteration. Panics from any step are recovered so a
// single bad tick cannot kill the loop.
func (l *Loop) tick() {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Msg("control loop tick recovered from panic")
		}
	}()

	snapshot := l.sup.Enumerate()

	l.reapAndReplace(snapshot)
	rps, trend := l.updateRate(snapshot)
	l.scaleUp(trend, rps)
	l.scaleDown(snapshot)
}

// reapAndReplace removes every dead, non-disabled worker and starts a
// replacement for each. A disabled dead worker is left alone — operator
// intent is preserved, per spec.
func (l *Loop) reapAndReplace(workers []*worker.Worker) {
	for _, w := range workers {
		if w.IsAlive() || w.IsDisabled() {
			continue
		}
		l.logger.Warn().Int("port", w.Port).Msg("reaping dead worker")
		l.sup.KillInstance(w)
		l.sup.IncrementReapCount()
		if err := l.sup.StartInstance(); err != nil {
			l.logger.Error().Err(err).Msg("reap: replacement StartInstance failed")
		}
	}
}

// updateRate sums Rps across all workers (disabled included, since they may
// still be draining inflight requests) and folds it into the supervisor's
// smoothed cluster rate and trend.
func (l *Loop) updateRate(workers []*worker.Worker) (rps, trend float64) {
	var raw float64
	for _, w := range workers {
		raw += w.Rps()
	}
	return l.sup.UpdateRate(raw)
}

// scaleUp applies the reactive and predictive scale-up rules. Both may fire
// in the same tick, yielding at most two additions.
func (l *Loop) scaleUp(trend, clusterRps float64) {
	cfg := l.sup.Config()

	var eligible []*worker.Worker
	for _, w := range l.sup.Enumerate() {
		if w.IsEligible() {
			eligible = append(eligible, w)
		}
	}
	if len(eligible) == 0 || l.sup.Len() >= cfg.MaxInstances {
		return
	}

	maxLoad := 0.0
	for _, w := range eligible {
		if load := w.CompositeLoad(); load > maxLoad {
			maxLoad = load
		}
	}

	if maxLoad >= cfg.ScaleUpLoadThreshold || clusterRps >= cfg.ScaleUpRps {
		l.logger.Info().Float64("max_load", maxLoad).Float64("cluster_rps", clusterRps).Msg("reactive scale-up")
		if err := l.sup.StartInstance(); err != nil {
			l.logger.Error().Err(err).Msg("reactive scale-up failed")
		}
	}

	if trend > cfg.PredictiveRpsTrendThreshold {
		l.logger.Info().Float64("trend", trend).Msg("predictive scale-up")
		if err := l.sup.StartInstance(); err != nil {
			l.logger.Error().Err(err).Msg("predictive scale-up failed")
		}
	}
}

// scaleDown kills idle, low-load workers one at a time, re-checking the
// minInstances guard before each kill so a single tick cannot breach it.
func (l *Loop) scaleDown(workers []*worker.Worker) {
	cfg := l.sup.Config()
	now := time.Now()

	for _, w := range workers {
		if l.sup.Len() <= cfg.MinInstances {
			return
		}

		idleFor := now.Sub(w.LastUsed())
		if idleFor.Seconds() <= float64(cfg.IdleTimeoutSeconds) {
			continue
		}
		if w.CompositeLoad() > cfg.ScaleDownLoadThreshold {
			continue
		}

		l.logger.Info().Int("port", w.Port).Dur("idle_for", idleFor).Msg("scale-down: killing idle worker")
		l.sup.KillInstance(w)
	}
}
