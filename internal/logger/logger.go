// Package logger wraps log/slog with the five-level severity scheme
// (TRACE/DEBUG/INFO/WARNING/ERROR) and text/JSON output used across the
// pod, with optional rotation via lumberjack. Never used for the wire
// protocol or control flow — only for human-facing diagnostics.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, spaced like slog's own Debug/Info/Warn/Error so a
// custom level below Debug (Trace) fits without collision.
const (
	LevelTrace   = slog.Level(-8)
	LevelDebug   = slog.LevelDebug
	LevelInfo    = slog.LevelInfo
	LevelWarning = slog.LevelWarn
	LevelError   = slog.LevelError
)

var levelNames = map[slog.Leveler]string{
	LevelTrace:   "TRACE",
	LevelDebug:   "DEBUG",
	LevelInfo:    "INFO",
	LevelWarning: "WARNING",
	LevelError:   "ERROR",
}

// Config selects the logger's destination, format and level.
type Config struct {
	Format          string // "text" or "json"
	Level           string // "trace", "debug", "info", "warning", "error", "off"
	FilePath        string // empty means stderr
	MaxFileSizeMB   int
	BackupFileCount int
	Compress        bool
}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// SetDefault installs a new process-wide logger built from cfg.
func SetDefault(cfg Config) error {
	l, err := New(cfg)
	if err != nil {
		return err
	}
	defaultLogger = l
	return nil
}

// New builds a logger from cfg without installing it as the default.
func New(cfg Config) (*slog.Logger, error) {
	var out io.Writer = os.Stderr
	if cfg.FilePath != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    orDefault(cfg.MaxFileSizeMB, 10),
			MaxBackups: cfg.BackupFileCount,
			Compress:   cfg.Compress,
		}
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parseLevel(cfg.Level))

	handler := newHandler(cfg.Format, out, levelVar)
	return slog.New(handler), nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(s string) slog.Level {
	switch s {
	case "trace", "TRACE":
		return LevelTrace
	case "debug", "DEBUG":
		return LevelDebug
	case "warning", "WARNING", "warn", "WARN":
		return LevelWarning
	case "error", "ERROR":
		return LevelError
	case "off", "OFF":
		return slog.Level(1 << 20)
	default:
		return LevelInfo
	}
}

func newHandler(format string, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				lvl := a.Value.Any().(slog.Level)
				name, ok := levelNames[lvl]
				if !ok {
					name = lvl.String()
				}
				return slog.String("severity", name)
			}
			return a
		},
	}
	if format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

func Tracef(format string, args ...any)   { logf(LevelTrace, format, args...) }
func Debugf(format string, args ...any)   { logf(LevelDebug, format, args...) }
func Infof(format string, args ...any)    { logf(LevelInfo, format, args...) }
func Warningf(format string, args ...any) { logf(LevelWarning, format, args...) }
func Errorf(format string, args ...any)   { logf(LevelError, format, args...) }

func logf(level slog.Level, format string, args ...any) {
	defaultLogger.Log(context.Background(), level, sprintf(format, args...))
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
