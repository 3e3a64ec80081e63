package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents an enumeration of log levels
type LogLevel string

const (
	Error   LogLevel = "error"
	Warning LogLevel = "warn"
	Info    LogLevel = "info"
	Debug   LogLevel = "debug"
)

var (
	rootMu    sync.RWMutex
	rootLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	root      = newZap("json", rootLevel, zapcore.Lock(os.Stdout))
)

// ConfigureLogging rebuilds the process-wide zap logger. format is "json" or
// "console"; unknown levels fall back to info.
func ConfigureLogging(level LogLevel, format string) {
	rootMu.Lock()
	defer rootMu.Unlock()

	rootLevel.SetLevel(parseLevel(level))
	root = newZap(format, rootLevel, zapcore.Lock(os.Stdout))
}

// SetOutput redirects the process-wide logger, mainly for tests
func SetOutput(core zapcore.Core) {
	rootMu.Lock()
	defer rootMu.Unlock()
	root = zap.New(core)
}

func newZap(format string, level zap.AtomicLevel, out zapcore.WriteSyncer) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.EqualFold(format, "console") {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	return zap.New(zapcore.NewCore(enc, out, level), zap.AddCaller(), zap.AddCallerSkip(1))
}

func parseLevel(level LogLevel) zapcore.Level {
	switch LogLevel(strings.ToLower(string(level))) {
	case Debug:
		return zapcore.DebugLevel
	case Warning, "warning":
		return zapcore.WarnLevel
	case Error:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging with a component name
type Logger struct {
	name  string
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger named after a component
func NewLogger(name string) *Logger {
	rootMu.RLock()
	defer rootMu.RUnlock()
	return &Logger{
		name:  name,
		sugar: root.Named(name).Sugar(),
	}
}

// With returns a child logger that always carries the given key-value pairs
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{name: l.name, sugar: l.sugar.With(keyvals...)}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
