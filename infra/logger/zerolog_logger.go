package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ZerologLogger implements Logger using rs/zerolog.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger creates a component-tagged logger. The output format
// follows the APP_ENV environment variable; prefer NewWithEnv when the
// service config is available.
func NewZerologLogger(component string) Logger {
	return NewWithEnv(component, os.Getenv("APP_ENV"))
}

// NewWithEnv creates a component-tagged logger for the given environment:
// "dev" writes human-readable console output, anything else writes JSON.
func NewWithEnv(component, env string) Logger {
	var z zerolog.Logger
	if strings.ToLower(env) == "dev" {
		writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		z = zerolog.New(writer).With().Timestamp().
			Str("service", "dispatch").Str("component", component).Logger()
	} else {
		z = zerolog.New(os.Stdout).With().Timestamp().
			Str("service", "dispatch").Str("component", component).Logger()
	}
	return &ZerologLogger{log: z}
}

func (l *ZerologLogger) Debugf(format string, args ...any) {
	l.log.Debug().Msgf(format, args...)
}

func (l *ZerologLogger) Debugw(msg string, fields map[string]any) {
	ev := l.log.Debug()
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func (l *ZerologLogger) Infof(format string, args ...any) {
	l.log.Info().Msgf(format, args...)
}

func (l *ZerologLogger) Warnf(format string, args ...any) {
	l.log.Warn().Msgf(format, args...)
}

func (l *ZerologLogger) Errorf(format string, args ...any) {
	l.log.Error().Msgf(format, args...)
}
