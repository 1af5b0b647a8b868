package utils

import (
	"go.uber.org/zap"

	"llm_metering/internal/logging"
)

// Logger provides structured logging with a component name
type Logger struct {
	prefix string
	sugar  *zap.SugaredLogger
}

// NewLogger creates a new logger named after the component using it
func NewLogger(prefix string) *Logger {
	return &Logger{
		prefix: prefix,
		sugar:  logging.Base().Named(prefix).WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
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
