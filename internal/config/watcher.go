package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/ollamapool/cluster/internal/logging"
)

// settleDelay debounces the burst of Write events some editors emit for a
// single logical save (write-then-rename, or two back-to-back writes).
const settleDelay = 150 * time.Millisecond

// Watcher reloads Config from disk whenever the underlying file changes,
// swallowing malformed edits so the previous snapshot survives them.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	logger  zerolog.Logger
}

// NewWatcher starts watching the directory containing path and invokes
// onChange with the freshly parsed Config each time a settled write leaves
// it well-formed. onChange is called from the watcher's own goroutine.
func NewWatcher(path string, onChange func(Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{
		path:    filepath.Clean(path),
		watcher: fw,
		logger:  logging.WithComponent("config-watcher"),
	}

	go w.run(onChange)
	return w, nil
}

func (w *Watcher) run(onChange func(Config)) {
	var settle *time.Timer
	reload := func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error().Err(err).Msg("config reload failed, keeping previous snapshot")
			return
		}
		w.logger.Info().Msg("config reloaded")
		onChange(cfg)
	}

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if settle != nil {
				settle.Stop()
			}
			settle = time.AfterFunc(settleDelay, reload)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("config watcher error")
		}
	}
}

// Close stops the underlying filesystem watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
