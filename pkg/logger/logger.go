package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance
var Log zerolog.Logger

func init() {
	format := "console"
	if os.Getenv("APP_ENV") == "production" {
		format = "json"
	}
	Configure(os.Getenv("LOG_LEVEL"), format)
}

// Configure rebuilds the global logger. Format "json" writes structured lines to
// stdout, anything else pretty prints to stderr. Unknown levels fall back to info.
func Configure(level, format string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if format != "json" {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	Log = zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}

// GetLogger returns the global logger instance
func GetLogger() zerolog.Logger {
	return Log
}

// Component returns a child of the global logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Log.With().Str("component", name).Logger()
}
