package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// NewJSONLogger creates a logger writing one JSON object per line.
func NewJSONLogger(writer io.Writer, level Level) *ZeroLogger {
	l := &ZeroLogger{zl: zerolog.New(writer).With().Timestamp().Logger()}
	l.level.Store(int32(level))
	return l
}

// NewConsoleLogger creates a logger with human readable, colourless output.
func NewConsoleLogger(writer io.Writer, level Level) *ZeroLogger {
	cw := zerolog.ConsoleWriter{Out: writer, NoColor: true, TimeFormat: time.RFC3339}
	l := &ZeroLogger{zl: zerolog.New(cw).With().Timestamp().Logger()}
	l.level.Store(int32(level))
	return l
}

func (l *ZeroLogger) log(level Level, msg string, fields ...Field) {
	if level < l.GetLevel() {
		return
	}
	ev := l.zl.WithLevel(level.zerolog())
	for _, f := range fields {
		ev = appendField(ev, f)
	}
	ev.Msg(msg)
}

func appendField(ev *zerolog.Event, f Field) *zerolog.Event {
	switch v := f.Value.(type) {
	case string:
		return ev.Str(f.Key, v)
	case int:
		return ev.Int(f.Key, v)
	case int64:
		return ev.Int64(f.Key, v)
	case uint64:
		return ev.Uint64(f.Key, v)
	case float64:
		return ev.Float64(f.Key, v)
	case bool:
		return ev.Bool(f.Key, v)
	default:
		return ev.Interface(f.Key, v)
	}
}

// Debug logs a debug-level message
func (l *ZeroLogger) Debug(msg string, fields ...Field) {
	l.log(DebugLevel, msg, fields...)
}

// Info logs an info-level message
func (l *ZeroLogger) Info(msg string, fields ...Field) {
	l.log(InfoLevel, msg, fields...)
}

// Warn logs a warning-level message
func (l *ZeroLogger) Warn(msg string, fields ...Field) {
	l.log(WarnLevel, msg, fields...)
}

// Error logs an error-level message
func (l *ZeroLogger) Error(msg string, fields ...Field) {
	l.log(ErrorLevel, msg, fields...)
}

// With creates a child logger with the given fields pre-set. The child
// starts at the parent's current level and is adjusted independently.
func (l *ZeroLogger) With(fields ...Field) Logger {
	ctx := l.zl.With()
	for _, f := range fields {
		ctx = ctx.Interface(f.Key, f.Value)
	}
	child := &ZeroLogger{zl: ctx.Logger()}
	child.level.Store(int32(l.GetLevel()))
	return child
}

// SetLevel sets the minimum log level
func (l *ZeroLogger) SetLevel(level Level) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *ZeroLogger) GetLevel() Level {
	return Level(l.level.Load())
}

// Global default logger
var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
	once          sync.Once
)

// DefaultLogger returns the global default logger. LOG_LEVEL and
// LOG_FORMAT=console are honoured on first use.
func DefaultLogger() Logger {
	once.Do(func() {
		level := InfoLevel
		if levelStr := os.Getenv("LOG_LEVEL"); levelStr != "" {
			level = ParseLevel(levelStr)
		}
		var l Logger = NewJSONLogger(os.Stdout, level)
		if os.Getenv("LOG_FORMAT") == "console" {
			l = NewConsoleLogger(os.Stdout, level)
		}
		defaultMu.Lock()
		if defaultLogger == nil {
			defaultLogger = l
		}
		defaultMu.Unlock()
	})
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefaultLogger sets the global default logger
func SetDefaultLogger(logger Logger) {
	defaultMu.Lock()
	defaultLogger = logger
	defaultMu.Unlock()
}

// Debug logs a debug-level message using the default logger
func Debug(msg string, fields ...Field) {
	DefaultLogger().Debug(msg, fields...)
}

// Info logs an info-level message using the default logger
func Info(msg string, fields ...Field) {
	DefaultLogger().Info(msg, fields...)
}

// Warn logs a warning-level message using the default logger
func Warn(msg string, fields ...Field) {
	DefaultLogger().Warn(msg, fields...)
}

// ErrorLog logs an error-level message using the default logger.
// Named ErrorLog to avoid conflict with the Error field constructor.
func ErrorLog(msg string, fields ...Field) {
	DefaultLogger().Error(msg, fields...)
}

// With creates a child of the default logger with the given fields pre-set
func With(fields ...Field) Logger {
	return DefaultLogger().With(fields...)
}

// StartTimer begins timing an operation
func StartTimer(logger Logger, msg string, fields ...Field) *TimedOperation {
	return &TimedOperation{
		logger: logger,
		msg:    msg,
		start:  time.Now(),
		fields: fields,
	}
}

// End logs the operation with its duration
func (t *TimedOperation) End() {
	t.logger.Info(t.msg, append(t.fields, Latency(time.Since(t.start)))...)
}

// EndError logs the operation as an error with its duration
func (t *TimedOperation) EndError(err error) {
	t.logger.Error(t.msg, append(t.fields, Latency(time.Since(t.start)), Error(err))...)
}
