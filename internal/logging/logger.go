// Package logging provides structured logging for blkcolo, backed by
// logrus the way dsmmcken-dh-cli's VM driver wires a logrus.Logger/Entry
// pair around firecracker.WithLogger.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the available log levels, kept as blkcolo's own
// small enum rather than exposing logrus.Level directly at call sites.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l LogLevel) toLogrus() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Config holds logging configuration.
type Config struct {
	Level  LogLevel
	Format string // "json" or "text" (default)
	Output io.Writer
	// Sync requests that every call block until the underlying writer has
	// accepted the bytes. logrus already serializes log output internally,
	// so this only controls whether a caller-supplied Output is additionally
	// wrapped to guarantee no interleaved partial writes across goroutines.
	Sync    bool
	NoColor bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:  LevelInfo,
		Format: "text",
		Output: os.Stderr,
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// Logger wraps a logrus.Entry so every With* call accumulates structured
// fields without mutating a shared logger.
type Logger struct {
	entry *logrus.Entry
}

var (
	defaultLogger *Logger
	defaultMu     sync.RWMutex
)

// NewLogger creates a new logger from config. A nil config uses
// DefaultConfig.
func NewLogger(config *Config) *Logger {
	if config == nil {
		config = DefaultConfig()
	}
	output := config.Output
	if output == nil {
		output = os.Stderr
	}
	if config.Sync {
		output = &syncWriter{w: output}
	}

	base := logrus.New()
	base.SetOutput(output)
	base.SetLevel(config.Level.toLogrus())

	if config.Format == "json" {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{DisableColors: config.NoColor, FullTimestamp: true})
	}

	return &Logger{entry: logrus.NewEntry(base)}
}

// Default returns the default logger, creating it if necessary.
func Default() *Logger {
	defaultMu.RLock()
	if defaultLogger != nil {
		defer defaultMu.RUnlock()
		return defaultLogger
	}
	defaultMu.RUnlock()

	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = NewLogger(nil)
	}
	return defaultLogger
}

// SetDefault sets the default logger.
func SetDefault(logger *Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = logger
}

func fieldsFromArgs(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		fields[key] = args[i+1]
	}
	return fields
}

// WithDevice returns a derived logger tagging every entry with device_id,
// the per-ublk-device context driver logs want on every line.
func (l *Logger) WithDevice(deviceID int) *Logger {
	return &Logger{entry: l.entry.WithField("device_id", deviceID)}
}

// WithQueue returns a derived logger additionally tagging queue_id.
func (l *Logger) WithQueue(queueID int) *Logger {
	return &Logger{entry: l.entry.WithField("queue_id", queueID)}
}

// WithRequest returns a derived logger tagging the ublk request tag and
// its operation name.
func (l *Logger) WithRequest(tag int, op string) *Logger {
	return &Logger{entry: l.entry.WithFields(logrus.Fields{"tag": tag, "op": op})}
}

// WithError returns a derived logger carrying err as a structured field.
func (l *Logger) WithError(err error) *Logger {
	return &Logger{entry: l.entry.WithError(err)}
}

func (l *Logger) Debug(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Debug(msg)
}

func (l *Logger) Info(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Info(msg)
}

func (l *Logger) Warn(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Warn(msg)
}

func (l *Logger) Error(msg string, args ...any) {
	l.entry.WithFields(fieldsFromArgs(args)).Error(msg)
}

// Printf-style logging.

func (l *Logger) Debugf(format string, args ...any) { l.entry.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.entry.Errorf(format, args...) }

// Printf is kept for call sites written against the old stdlib-backed
// logger; it logs at info level.
func (l *Logger) Printf(format string, args ...any) {
	l.Infof(format, args...)
}

// Global convenience functions delegating to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
