// Package logging provides the structured logger used across the codebase,
// backed by zerolog.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

const (
	LogLevelDebug = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

const (
	LogFormatJSON = iota
	LogFormatText
	LogFormatTextColor
)

type Config struct {
	Level  int
	Format int
	Output io.Writer
}

type Logger struct {
	logger zerolog.Logger
}

func NewLogger(c Config) *Logger {
	out := c.Output
	if out == nil {
		out = os.Stderr
	}

	switch c.Format {
	case LogFormatText:
		out = zerolog.ConsoleWriter{Out: out, NoColor: true}
	case LogFormatTextColor:
		out = zerolog.ConsoleWriter{Out: out}
	}

	logger := zerolog.New(out).Level(level(c.Level)).With().Timestamp().Logger()
	return &Logger{logger: logger}
}

func level(l int) zerolog.Level {
	switch l {
	case LogLevelDebug:
		return zerolog.DebugLevel
	case LogLevelInfo:
		return zerolog.InfoLevel
	case LogLevelWarn:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

// NewNopLogger returns a logger that discards everything. Intended for tests.
func NewNopLogger() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// WithFields returns a logger that attaches the given fields to every entry.
func (l *Logger) WithFields(fields map[string]any) *Logger {
	return &Logger{logger: l.logger.With().Fields(fields).Logger()}
}

// ZeroLog exposes the underlying zerolog logger for adapters that integrate
// with it directly, such as the SQL query logger.
func (l *Logger) ZeroLog() zerolog.Logger {
	return l.logger
}

func (l *Logger) Debugf(format string, args ...any) {
	l.logger.Debug().Msgf(format, args...)
}

func (l *Logger) Infof(format string, args ...any) {
	l.logger.Info().Msgf(format, args...)
}

func (l *Logger) Warnf(format string, args ...any) {
	l.logger.Warn().Msgf(format, args...)
}

func (l *Logger) Errorf(format string, args ...any) {
	l.logger.Error().Msgf(format, args...)
}
