// Package log wires zerolog the way the rest of lattice expects: a single
// process-wide base logger, with callers deriving component-scoped children.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

// Base is the process-wide root logger.
var Base zerolog.Logger

func init() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	Base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

// SetLevel parses and applies a level string, defaulting to info on error.
func SetLevel(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	return Base.With().Str("component", name).Logger()
}
