// Package log configures the zerolog logger shared by the module.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Field names used across packages.
const (
	FieldComponent = "component"
	FieldSession   = "session_id"
	FieldScheme    = "scheme"
	FieldOp        = "op"
	FieldOldState  = "old_state"
	FieldNewState  = "new_state"
	FieldURL       = "url"
)

// Config captures options for the base logger.
type Config struct {
	Level  string    // "debug", "info", ...; falls back to LOG_LEVEL
	Output io.Writer // defaults to os.Stderr
}

var (
	mu   sync.RWMutex
	base = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// Configure replaces the base logger.
func Configure(cfg Config) {
	level := zerolog.InfoLevel
	raw := cfg.Level
	if raw == "" {
		raw = os.Getenv("LOG_LEVEL")
	}
	if raw != "" {
		if parsed, err := zerolog.ParseLevel(raw); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	l := zerolog.New(out).Level(level).With().Timestamp().Logger()
	mu.Lock()
	base = l
	mu.Unlock()
}

// Base returns the configured logger.
func Base() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger annotated with a component name.
func WithComponent(component string) zerolog.Logger {
	return Base().With().Str(FieldComponent, component).Logger()
}
