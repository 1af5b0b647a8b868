package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base      *zap.Logger
	level     = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	baseMutex sync.RWMutex
)

func init() {
	localEnv := os.Getenv("LOCAL")
	if strings.ToLower(localEnv) == "true" || localEnv == "1" {
		level.SetLevel(zapcore.DebugLevel)
	}
	base = build("json")
}

// Init configures the process-wide logger. format is "json" or "console";
// an unknown level falls back to info.
func Init(lvl, format string) {
	SetLogLevel(lvl)

	baseMutex.Lock()
	defer baseMutex.Unlock()
	_ = base.Sync()
	base = build(format)
}

// SetLogLevel changes the level of every logger derived from Base.
func SetLogLevel(lvl string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	level.SetLevel(zapLevel)
}

// Base returns the process-wide logger.
func Base() *zap.Logger {
	baseMutex.RLock()
	defer baseMutex.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() error {
	return Base().Sync()
}

func build(format string) *zap.Logger {
	var encoder zapcore.Encoder
	if format == "console" {
		encoderConfig := zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig := zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}
