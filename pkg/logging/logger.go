// Package logging wires zerolog for fetchkit: one process-global sink
// configured by Init, and per-component child loggers so cache, pipeline
// and client events can be filtered apart in aggregate.
//
// Cache decisions (skipped write-through, stale values served, cache bypass)
// and retries log at debug; degraded-but-working conditions (unavailable
// providers, cache read failures, swallowed write-through failures, backend
// close failures) at warn. Exhausted retries are counted in a metric, not
// logged.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Component names used across the module, carried as a "component" field on
// every child logger.
const (
	ComponentClient      = "client"
	ComponentCoordinator = "coordinator"
	ComponentResilience  = "resilience"
)

// Options configures the global sink. The zero value logs JSON at info
// level to stderr.
type Options struct {
	// Level names the minimum level ("debug", "info", "warn", "error").
	// Unknown or empty names fall back to info.
	Level string

	// Pretty switches to human-readable console output; JSON otherwise.
	Pretty bool

	// Writer receives the output. Defaults to os.Stderr.
	Writer io.Writer
}

// Init configures the process-global logger and returns it. Component
// loggers created afterwards inherit the new sink and level.
func Init(opts Options) zerolog.Logger {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if opts.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return log.Logger
}

// Component derives a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
