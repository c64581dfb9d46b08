// Package logger provides the process-wide structured logger.
//
// It wraps a zap logger behind package-level helpers so every package logs
// with the same fields and level without threading a logger through
// constructors. Call Init once at startup; until then a console logger at
// info level is used.
package logger

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // console, json
}

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	l, err := build(Config{Level: "info", Format: "console"})
	if err != nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

// Init replaces the process logger according to cfg.
func Init(cfg Config) error {
	l, err := build(cfg)
	if err != nil {
		return err
	}
	Set(l)
	return nil
}

// Set installs l as the process logger. Tests use it with an observer core.
func Set(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	current.Store(l.Sugar())
}

// L returns the underlying zap logger.
func L() *zap.Logger {
	return current.Load().Desugar()
}

// Sync flushes buffered entries.
func Sync() error {
	return current.Load().Sync()
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var zc zap.Config
	switch strings.ToLower(cfg.Format) {
	case "", "console", "text":
		zc = zap.NewDevelopmentConfig()
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		zc.Development = false
	case "json":
		zc = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = true

	return zc.Build()
}

// ParseLevel converts a configured level name into a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// Debug logs at debug level with alternating key/value pairs.
func Debug(msg string, keysAndValues ...any) {
	current.Load().Debugw(msg, keysAndValues...)
}

// Info logs at info level with alternating key/value pairs.
func Info(msg string, keysAndValues ...any) {
	current.Load().Infow(msg, keysAndValues...)
}

// Warn logs at warn level with alternating key/value pairs.
func Warn(msg string, keysAndValues ...any) {
	current.Load().Warnw(msg, keysAndValues...)
}

// Error logs at error level with alternating key/value pairs.
func Error(msg string, keysAndValues ...any) {
	current.Load().Errorw(msg, keysAndValues...)
}
