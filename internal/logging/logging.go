// Package logging builds the process-wide zap logger and hands out named
// child loggers per component. Components never construct their own zap
// config; they call For("store"), For("agents"), etc.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu   sync.RWMutex
	root *zap.Logger = zap.NewNop()
)

// Init configures the root logger. debug switches the level to Debug and
// keeps console-friendly output; otherwise production JSON encoding is used.
// Safe to call more than once; the last call wins.
func Init(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return logger, nil
}

// For returns a named child logger for a component ("store", "retrieval",
// "agents", ...). Before Init it returns a no-op logger, so packages can hold
// a logger at construction time without caring about boot order.
func For(component string) *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(component)
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
