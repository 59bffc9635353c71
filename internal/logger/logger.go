// Package logger wraps zerolog with service-level defaults.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level       string // debug | info | warn | error (default info)
	Environment string // "development" enables console output
	ServiceName string
	Version     string
}

// Logger embeds zerolog.Logger so call sites use the familiar
// log.Info().Str(...).Msg(...) chain directly.
type Logger struct {
	zerolog.Logger
}

// New builds a logger writing JSON to stdout (console format in development),
// stamped with service name and version.
func New(cfg Config) *Logger {
	level := parseLevel(cfg.Level)

	var out = os.Stdout
	zl := zerolog.New(out)
	if cfg.Environment == "development" {
		zl = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	}

	zl = zl.Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Logger()

	return &Logger{Logger: zl}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
