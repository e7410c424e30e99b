package logging

import (
	"os"
	"sync/atomic"

	"github.com/rs/zerolog"
)

var current atomic.Pointer[zerolog.Logger]

func init() {
	l := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel).With().Timestamp().Logger()
	current.Store(&l)
}

func setLogger(l zerolog.Logger) {
	current.Store(&l)
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	return *current.Load()
}

// With returns the process logger tagged with a component name.
func With(component string) zerolog.Logger {
	return Logger().With().Str("component", component).Logger()
}

func Tracef(format string, args ...any) {
	l := current.Load()
	l.Trace().Msgf(format, args...)
}

func Debugf(format string, args ...any) {
	l := current.Load()
	l.Debug().Msgf(format, args...)
}

func Infof(format string, args ...any) {
	l := current.Load()
	l.Info().Msgf(format, args...)
}

func Warnf(format string, args ...any) {
	l := current.Load()
	l.Warn().Msgf(format, args...)
}

func Errf(format string, args ...any) {
	l := current.Load()
	l.Error().Msgf(format, args...)
}

// Logf writes without a level, used by tests for progress lines.
func Logf(format string, args ...any) {
	l := current.Load()
	l.Log().Msgf(format, args...)
}

// Anonymize keeps the first and last four runes of an identifier.
func Anonymize(id string) string {
	r := []rune(id)
	if len(r) <= 8 {
		return "******"
	}
	return string(r[:4]) + "******" + string(r[len(r)-4:])
}
