// Package logger provides the root zerolog logger for the application.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration
type Config struct {
	Level  string // "trace", "debug", "info", "warn", "error"
	Pretty bool   // Human-readable console output instead of JSON
}

// New creates a configured root logger. Components derive their own
// loggers from it via log.With().Str("component", ...).Logger().
func New(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)

	var log zerolog.Logger
	if cfg.Pretty {
		output := zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
		log = zerolog.New(output)
	} else {
		log = zerolog.New(os.Stderr)
	}

	return log.Level(level).With().Timestamp().Logger()
}

// parseLevel maps a level string to a zerolog level, defaulting to info.
func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
