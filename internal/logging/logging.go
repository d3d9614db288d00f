// Package logging provides the leveled logger shared by all nildb components.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelNames = map[Level]string{
	Debug: "debug",
	Info:  "info",
	Warn:  "warn",
	Error: "error",
}

func (l Level) String() string {
	return levelNames[l]
}

// ParseLevel maps a case-insensitive level name to a Level.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if strings.EqualFold(s, name) {
			return l, nil
		}
	}
	return Info, fmt.Errorf("unknown log level %q", s)
}

type Config struct {
	Level  Level
	Format string // "json" or "console"
	Output io.Writer
}

type Logger struct {
	log zerolog.Logger
}

func NewLogger(cfg Config) *Logger {
	w := cfg.Output
	if w == nil {
		w = os.Stderr
	}
	if cfg.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}
	}
	return &Logger{log: zerolog.New(w).Level(cfg.Level.zerolog()).With().Timestamp().Logger()}
}

// Discard returns a logger that drops everything, for tests and tools.
func Discard() *Logger {
	return &Logger{log: zerolog.Nop()}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case Debug:
		return zerolog.DebugLevel
	case Warn:
		return zerolog.WarnLevel
	case Error:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying the key/value pair on every line.
func (l *Logger) With(key string, value any) *Logger {
	return &Logger{log: l.log.With().Interface(key, value).Logger()}
}

// Zerolog exposes the underlying logger for adapters (e.g. SQL statement logging).
func (l *Logger) Zerolog() zerolog.Logger {
	return l.log
}

func (l *Logger) Enabled(level Level) bool {
	return l.log.GetLevel() <= level.zerolog()
}

func (l *Logger) Debugf(f string, a ...any) {
	l.log.Debug().Msgf(f, a...)
}

func (l *Logger) Infof(f string, a ...any) {
	l.log.Info().Msgf(f, a...)
}

func (l *Logger) Warnf(f string, a ...any) {
	l.log.Warn().Msgf(f, a...)
}

func (l *Logger) Errorf(f string, a ...any) {
	l.log.Error().Msgf(f, a...)
}
