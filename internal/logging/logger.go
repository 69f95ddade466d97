// Package logging provides config-driven categorized file logging for the
// learning core. Each subsystem writes to its own file under
// <workspace>/.medlearn/logs/, backed by zap cores. When debug mode is off no
// files are created and every call is a no-op.
package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/subsystem.
type Category string

const (
	CategoryBoot      Category = "boot"      // Startup and config loading
	CategoryStore     Category = "store"     // SQLite store operations
	CategoryRuntime   Category = "runtime"   // Control plane: profile, freeze, approvals
	CategorySelection Category = "selection" // Adaptive selection pipeline
	CategorySession   Category = "session"   // Session state machine
	CategoryTelemetry Category = "telemetry" // Attempt fan-out and recompute
	CategoryJobs      Category = "jobs"      // Background recompute jobs
	CategoryRateLimit Category = "ratelimit" // Redis rate limiter
)

// Options controls logger construction.
type Options struct {
	DebugMode  bool            // When false, logging is a silent no-op
	Level      string          // debug/info/warn/error
	Categories map[string]bool // nil means all categories enabled
	JSON       bool            // JSON-encoded entries instead of console
}

var (
	mu         sync.RWMutex
	logsDir    string
	opts       Options
	loggers    = make(map[Category]*zap.SugaredLogger)
	atomLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	nopSugared = zap.NewNop().Sugar()
)

// Initialize sets up the logging directory. Call once at startup with the
// workspace path. Safe to call again to reconfigure (e.g. on config reload).
func Initialize(workspace string, o Options) error {
	mu.Lock()
	defer mu.Unlock()

	opts = o
	atomLevel.SetLevel(parseLevel(o.Level))
	loggers = make(map[Category]*zap.SugaredLogger)

	if !o.DebugMode {
		logsDir = ""
		return nil
	}
	if workspace == "" {
		return fmt.Errorf("workspace path required")
	}

	logsDir = filepath.Join(workspace, ".medlearn", "logs")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	boot := get(CategoryBoot)
	boot.Infof("=== medlearn logging initialized ===")
	boot.Infof("logs directory: %s level: %s", logsDir, o.Level)
	return nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// IsCategoryEnabled reports whether a category currently logs anywhere.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabled(category)
}

func categoryEnabled(category Category) bool {
	if !opts.DebugMode || logsDir == "" {
		return false
	}
	if opts.Categories == nil {
		return true
	}
	enabled, ok := opts.Categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category. Disabled categories get
// a no-op logger, so call sites never need to guard.
func Get(category Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	return get(category)
}

// get assumes mu is held for writing.
func get(category Category) *zap.SugaredLogger {
	if l, ok := loggers[category]; ok {
		return l
	}
	if !categoryEnabled(category) {
		loggers[category] = nopSugared
		return nopSugared
	}

	// One file per category per day, append-only, for easy rotation.
	date := time.Now().Format("2006-01-02")
	path := filepath.Join(logsDir, fmt.Sprintf("%s_%s.log", date, category))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] could not open %s: %v\n", path, err)
		loggers[category] = nopSugared
		return nopSugared
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if opts.JSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(file), atomLevel)
	l := zap.New(core).Named(string(category)).Sugar()
	loggers[category] = l
	return l
}

// =============================================================================
// CATEGORY HELPERS
// =============================================================================

// Store logs to the store category at info level.
func Store(format string, args ...interface{}) { Get(CategoryStore).Infof(format, args...) }

// StoreDebug logs to the store category at debug level.
func StoreDebug(format string, args ...interface{}) { Get(CategoryStore).Debugf(format, args...) }

// Runtime logs to the runtime category at info level.
func Runtime(format string, args ...interface{}) { Get(CategoryRuntime).Infof(format, args...) }

// Selection logs to the selection category at info level.
func Selection(format string, args ...interface{}) { Get(CategorySelection).Infof(format, args...) }

// SelectionDebug logs to the selection category at debug level.
func SelectionDebug(format string, args ...interface{}) {
	Get(CategorySelection).Debugf(format, args...)
}

// Session logs to the session category at info level.
func Session(format string, args ...interface{}) { Get(CategorySession).Infof(format, args...) }

// Telemetry logs to the telemetry category at info level.
func Telemetry(format string, args ...interface{}) { Get(CategoryTelemetry).Infof(format, args...) }

// Jobs logs to the jobs category at info level.
func Jobs(format string, args ...interface{}) { Get(CategoryJobs).Infof(format, args...) }

// RateLimit logs to the ratelimit category at warn level; a firing limiter
// is always worth surfacing.
func RateLimit(format string, args ...interface{}) { Get(CategoryRateLimit).Warnf(format, args...) }

// =============================================================================
// OPERATION TIMERS
// =============================================================================

// Timer measures one operation and logs its duration on Stop.
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation.
func StartTimer(category Category, operation string) *Timer {
	return &Timer{category: category, op: operation, start: time.Now()}
}

// Stop logs the elapsed time. Slow operations (>250ms) log at warn.
func (t *Timer) Stop() {
	elapsed := time.Since(t.start)
	l := Get(t.category)
	if elapsed > 250*time.Millisecond {
		l.Warnf("%s took %s (slow)", t.op, elapsed)
		return
	}
	l.Debugf("%s took %s", t.op, elapsed)
}
