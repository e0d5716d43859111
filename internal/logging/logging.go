// Package logging configures the process-wide zerolog logger. The
// rest of the module never constructs its own logger: it calls
// logging.Logger() (or receives a *zerolog.Logger from the caller) and
// logs through zerolog's typed field chain, e.g.
// log.Error().Err(err).Str("method", m).Msg("request failed").
package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Options configures the global logger. Level is parsed with
// zerolog.ParseLevel; an empty or unrecognized level falls back to info.
type Options struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// Init configures the global logger. Safe to call once at process
// startup; subsequent calls are no-ops so tests and library code can
// call Logger() without racing main's setup.
func Init(opts Options) {
	once.Do(func() {
		out := opts.Output
		if out == nil {
			out = os.Stderr
		}
		if opts.Pretty {
			out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		}
		level, err := zerolog.ParseLevel(opts.Level)
		if err != nil || level == zerolog.NoLevel {
			level = zerolog.InfoLevel
		}
		logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
	})
}

// Logger returns the global logger, initializing it with defaults if
// Init has not been called yet.
func Logger() *zerolog.Logger {
	Init(Options{Level: "info"})
	return &logger
}

// Named returns a child logger tagged with a "component" field, the
// idiom used throughout the engine for per-subsystem logs (worker
// pool, producer, checkpoint, sink).
func Named(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}
