package utils

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents an enumeration of log levels
type LogLevel int

const (
	Critical LogLevel = 50
	Fatal    LogLevel = Critical
	Error    LogLevel = 40
	Warning  LogLevel = 30
	Info     LogLevel = 20
	Debug    LogLevel = 10
	NotSet   LogLevel = 0
)

var (
	baseMu     sync.RWMutex
	baseLogger = zap.NewNop()
)

// NewBaseLogger builds the process-wide zap logger.
// prod uses JSON output, local/dev use console output.
// level (if non-empty) overrides the default level: debug, info, warn, error.
func NewBaseLogger(env, level string) (*zap.Logger, error) {
	var cfg zap.Config
	switch env {
	case "prod":
		cfg = zap.NewProductionConfig()
	case "local", "dev", "test":
		cfg = zap.NewDevelopmentConfig()
	default:
		return nil, fmt.Errorf("unknown environment %q for logger", env)
	}

	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}

	l, err := cfg.Build(zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return l, nil
}

// SetBaseLogger installs the zap logger that every component Logger writes to.
// Loggers created before the call keep writing to the previous base.
func SetBaseLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	baseMu.Lock()
	baseLogger = l
	baseMu.Unlock()
}

func currentBase() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return baseLogger
}

// Logger provides structured logging with a component name
type Logger struct {
	prefix        string
	logger        *zap.SugaredLogger
	logLevel      LogLevel
	logLevelMutex sync.RWMutex
}

// NewLogger creates a new logger for the given component.
// The optional level filters messages before they reach zap; by default
// filtering is left to the base logger.
func NewLogger(prefix string, logLevel ...LogLevel) *Logger {
	logLevelValue := NotSet
	if len(logLevel) > 0 {
		logLevelValue = logLevel[0]
	}
	return &Logger{
		prefix:   prefix,
		logger:   currentBase().Named(prefix).Sugar(),
		logLevel: logLevelValue,
	}
}

// SetLogLevel sets the logging level
func (l *Logger) SetLogLevel(logLevel LogLevel) {
	l.logLevelMutex.Lock()
	defer l.logLevelMutex.Unlock()
	l.logLevel = logLevel
}

func (l *Logger) enabled(level LogLevel) bool {
	l.logLevelMutex.RLock()
	defer l.logLevelMutex.RUnlock()
	return l.logLevel <= level
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	if !l.enabled(Info) {
		return
	}
	l.logger.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	if !l.enabled(Error) {
		return
	}
	l.logger.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	if !l.enabled(Warning) {
		return
	}
	l.logger.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	if !l.enabled(Debug) {
		return
	}
	l.logger.Debugw(msg, keyvals...)
}

// Sync flushes buffered log entries of the base logger.
func Sync() {
	_ = currentBase().Sync()
}
