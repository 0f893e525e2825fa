// Package logging is a thin, leveled wrapper over zerolog matching the
// Infof/Debugf/Warnf/Errorf/Fatalf calling convention used throughout this
// module's components.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

var base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

// SetLevel adjusts the minimum level emitted by the package logger.
func SetLevel(level zerolog.Level) {
	base = base.Level(level)
}

func Tracef(format string, args ...interface{}) {
	base.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...interface{}) {
	base.Debug().Msgf(format, args...)
}

func Infof(format string, args ...interface{}) {
	base.Info().Msgf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	base.Warn().Msgf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	base.Error().Msgf(format, args...)
}

// Fatalf logs and aborts the process. Reserved for the invariant violations
// spec §7 calls fatal: metainfo corruption, a non-universe domain after load,
// duplicate sindex queue registration.
func Fatalf(format string, args ...interface{}) {
	base.Fatal().Msgf(format, args...)
}
