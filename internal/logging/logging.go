// Package logging provides the cluster manager's shared, component-scoped
// logger. The logging subsystems (worker, supervisor, control loop,
// dispatcher, HTTP plane, config watcher) log through a child of the same zerolog.Logger so
// operators get one consistent stream with a "component" field to filter on.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide base logger, configured once by Init.
var Logger zerolog.Logger

// Level mirrors the handful of levels operators actually reach for.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls the base logger's verbosity and rendering.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the package-level Logger. Call once at process startup,
// before any component logger is derived from it.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent returns a child logger tagging every line with the given
// component name, e.g. logging.WithComponent("worker").
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

func init() {
	// Sane default so packages used from tests (which never call Init)
	// still have a working logger instead of the zero-value no-op one.
	Init(Config{Level: InfoLevel})
}
