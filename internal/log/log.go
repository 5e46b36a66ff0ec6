// Package log is the process-wide structured logger of nnpipe.
//
// It wraps a single zap.Logger so that every package logs through the same
// sink with the same encoding. The CLI configures it once from the global
// --verbose and --json flags; until then a console logger at info level is
// used so that library code never has to check for nil.
//
// GRASS GIS modules distinguish messages, warnings and fatal errors. Those
// map onto Info, Warn and Error here; Debug carries the command traces that
// are only interesting with --verbose.
package log

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = newLogger(false, false, os.Stderr)
)

// Init replaces the global logger. verbose lowers the level to debug,
// jsonOutput switches the console encoder for a JSON encoder.
func Init(verbose, jsonOutput bool) {
	l := newLogger(verbose, jsonOutput, os.Stderr)
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	_ = old.Sync()
}

// SetLogger installs an externally built logger. Tests use it together with
// zaptest/observer to assert on emitted warnings.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	logger = l
	mu.Unlock()
}

// L returns the current global logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func newLogger(verbose, jsonOutput bool, w zapcore.WriteSyncer) *zap.Logger {
	level := zapcore.InfoLevel
	if verbose {
		level = zapcore.DebugLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if jsonOutput {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	return zap.New(zapcore.NewCore(enc, zapcore.Lock(w), level))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }

func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }

func Warn(msg string, fields ...zap.Field) { L().Warn(msg, fields...) }

func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

// Sync flushes buffered log entries. Called once before the process exits.
func Sync() {
	_ = L().Sync()
}
