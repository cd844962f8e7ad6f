package infra

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger aliases zerolog.Logger so packages can accept a logger without
// importing the third-party module directly.
type Logger = zerolog.Logger

// NewLogger builds the process logger. Development logs to a console writer
// at debug; other environments log JSON at info. A non-empty level such as
// "warn" overrides either default.
func NewLogger(appEnv, level string) Logger {
	return newLogger(os.Stdout, appEnv, level)
}

func newLogger(out io.Writer, appEnv, level string) Logger {
	lvl := zerolog.InfoLevel
	if appEnv == "development" {
		lvl = zerolog.DebugLevel
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	if parsed, err := zerolog.ParseLevel(level); err == nil && level != "" {
		lvl = parsed
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "creatorstudio").Logger()
}

// Component returns a child logger tagged with the component name.
func Component(l Logger, name string) Logger {
	return l.With().Str("component", name).Logger()
}
