// Package logging provides a component-scoped zerolog logger for the
// download and extraction orchestrator.
package logging

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	base     zerolog.Logger
	initOnce sync.Once
)

// Init configures the process-wide base logger. Call once at startup before
// any component logger is requested. debug enables verbose output.
func Init(debug bool) {
	initOnce.Do(func() {
		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		zerolog.SetGlobalLevel(level)
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
}

// WithComponent returns a logger tagged with a "component" field, the same
// convention used throughout the download manager, sync engine, and stores.
func WithComponent(name string) zerolog.Logger {
	initOnce.Do(func() {
		base = zerolog.New(os.Stderr).With().Timestamp().Logger()
	})
	return base.With().Str("component", name).Logger()
}
