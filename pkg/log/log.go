// Package log owns the process-wide zerolog root. Components pull
// tagged children via WithComponent. Before Init runs the root is a
// no-op logger, which keeps library tests quiet.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level names a verbosity threshold in config files and flags.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config selects verbosity and output shape.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

var base = zerolog.Nop()

// Init builds the root logger. Call it before constructing anything
// that logs; children split off earlier keep their old settings.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(string(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	base = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}
