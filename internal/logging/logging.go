// Package logging configures the process-wide structured logger:
// console-pretty in development and JSON otherwise. Components derive
// their own loggers from the base with a component field.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a base logger at the given level ("debug", "info", "warn",
// "error"); an unrecognized level falls back to info. pretty selects the
// human-readable console writer over raw JSON, for local development.
func New(level string, pretty bool) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stderr
	if pretty {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}
