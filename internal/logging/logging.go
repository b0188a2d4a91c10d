package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger: JSON to stderr by default, console when
// LOG_PRETTY=true, level from LOG_LEVEL. Every line carries the service
// name so the four services can share one log sink.
func New(service string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	out := zerolog.New(os.Stderr)
	if os.Getenv("LOG_PRETTY") == "true" {
		out = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	return out.Level(level).With().Timestamp().Str("service", service).Logger()
}
