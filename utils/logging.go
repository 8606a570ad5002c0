// Package utils provides shared infrastructure for the optimail engine,
// primarily the leveled logger handed to every component.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogLevel int

const (
	LogLevelOff LogLevel = iota
	LogLevelError
	LogLevelWarn
	LogLevelInfo
	LogLevelDebug
)

// Logger is the leveled key/value logger used across the engine.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	SetLevel(level LogLevel)
}

// DefaultLogger writes to stderr through log/slog's text handler.
// Level changes made with SetLevel take effect on subsequent calls,
// even when the logger is shared across goroutines.
type DefaultLogger struct {
	logger *slog.Logger
	level  *slog.LevelVar
}

// logLevelOff sits above every slog level so nothing is emitted.
const logLevelOff = slog.LevelError + 4

func slogLevel(level LogLevel) slog.Level {
	switch level {
	case LogLevelOff:
		return logLevelOff
	case LogLevelDebug:
		return slog.LevelDebug
	case LogLevelInfo:
		return slog.LevelInfo
	case LogLevelWarn:
		return slog.LevelWarn
	case LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func NewLogger(level LogLevel) *DefaultLogger {
	return NewLoggerWriter(level, os.Stderr)
}

// NewLoggerWriter is NewLogger with an explicit destination.
func NewLoggerWriter(level LogLevel, w io.Writer) *DefaultLogger {
	lv := new(slog.LevelVar)
	lv.Set(slogLevel(level))
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lv})
	return &DefaultLogger{
		logger: slog.New(handler),
		level:  lv,
	}
}

func (l *DefaultLogger) SetLevel(level LogLevel) {
	l.level.Set(slogLevel(level))
}

func (l *DefaultLogger) Debug(msg string, keysAndValues ...any) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l *DefaultLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *DefaultLogger) Warn(msg string, keysAndValues ...any) {
	l.logger.Warn(msg, keysAndValues...)
}

func (l *DefaultLogger) Error(msg string, keysAndValues ...any) {
	l.logger.Error(msg, keysAndValues...)
}

func (l *LogLevel) String() string {
	return [...]string{"OFF", "ERROR", "WARN", "INFO", "DEBUG"}[*l]
}

func (l *LogLevel) UnmarshalText(text []byte) error {
	switch strings.ToUpper(string(text)) {
	case "OFF":
		*l = LogLevelOff
	case "ERROR":
		*l = LogLevelError
	case "WARN":
		*l = LogLevelWarn
	case "INFO":
		*l = LogLevelInfo
	case "DEBUG":
		*l = LogLevelDebug
	default:
		return fmt.Errorf("invalid log level: %s", string(text))
	}
	return nil
}
