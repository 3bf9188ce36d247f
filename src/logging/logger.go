package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Console output unless json is set.
func Setup(level string, json bool) {
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if !json {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.DateTime}
	}
	log.Logger = zerolog.New(out).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// For returns a logger tagged with a component name.
func For(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Err logs err at a level matching its kind. StateConflict is informational,
// everything else is an error.
func Err(l zerolog.Logger, err error, msg string) {
	kind := KindOf(err)
	ev := l.Error()
	switch kind {
	case StateConflict:
		ev = l.Info()
	case TransientNetwork:
		ev = l.Warn()
	}
	ev.Err(err).Str("kind", kind.String()).Msg(msg)
}
