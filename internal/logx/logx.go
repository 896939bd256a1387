package logx

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Config configures the process-wide logger.
type Config struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "text" or "json"
	Output string // "stdout", "stderr", or a file path
}

var (
	mu      sync.RWMutex
	current *slog.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
)

// Init installs a new process-wide logger per cfg.
func Init(cfg Config) error {
	level := parseLevel(cfg.Level)

	var out *os.File
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		out = f
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	mu.Lock()
	current = slog.New(handler)
	mu.Unlock()
	return nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func logger() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Debug(msg string, kvs ...any) { logger().Debug(msg, kvs...) }
func Info(msg string, kvs ...any)  { logger().Info(msg, kvs...) }
func Warn(msg string, kvs ...any)  { logger().Warn(msg, kvs...) }
func Error(msg string, kvs ...any) { logger().Error(msg, kvs...) }

// DebugCtx/InfoCtx/WarnCtx/ErrorCtx prepend the LogContext fields carried
// on ctx (if any) ahead of the caller's key-value pairs.
func DebugCtx(ctx context.Context, msg string, kvs ...any) {
	logger().Debug(msg, append(FromContext(ctx).fields(), kvs...)...)
}
func InfoCtx(ctx context.Context, msg string, kvs ...any) {
	logger().Info(msg, append(FromContext(ctx).fields(), kvs...)...)
}
func WarnCtx(ctx context.Context, msg string, kvs ...any) {
	logger().Warn(msg, append(FromContext(ctx).fields(), kvs...)...)
}
func ErrorCtx(ctx context.Context, msg string, kvs ...any) {
	logger().Error(msg, append(FromContext(ctx).fields(), kvs...)...)
}
