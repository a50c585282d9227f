package logging

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/giygas/mediract/config"
)

// parseLogLevel maps LOG_LEVEL strings to slog levels, defaulting to info
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// GetConsoleLogLevel resolves the console level for an environment.
// Tests stay quiet unless verbose; prod and staging default to warn.
func GetConsoleLogLevel(env config.Environment, logLevel string, verbose bool) slog.Level {
	if env == config.EnvTest {
		if verbose {
			return slog.LevelInfo
		}
		return slog.LevelError
	}

	if logLevel != "" {
		return parseLogLevel(logLevel)
	}

	switch env {
	case config.EnvProduction, config.EnvStaging:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}

// Options configures SetupLogger
type Options struct {
	Env            config.Environment
	Level          string
	Dir            string
	RetentionWeeks int
	MaxFileSize    int64
	Verbose        bool
}

// OptionsFromConfig builds logger options from the application config
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Env:            cfg.Env,
		Level:          cfg.LogLevel,
		Dir:            cfg.LogDir,
		RetentionWeeks: cfg.LogRetentionWeeks,
		MaxFileSize:    cfg.MaxLogFileSize,
	}
}

// SetupLogger builds a logger writing text to the console and JSON to a
// rotating file. If the file cannot be opened it falls back to console only.
// The returned writer is nil in that case.
func SetupLogger(opts Options) (*slog.Logger, *RotatingWriter) {
	consoleHandler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: GetConsoleLogLevel(opts.Env, opts.Level, opts.Verbose),
	})

	if opts.Dir == "" {
		return slog.New(consoleHandler), nil
	}

	writer, err := NewRotatingWriter(opts.Dir, opts.RetentionWeeks, opts.MaxFileSize)
	if err != nil {
		logger := slog.New(consoleHandler)
		logger.Error("Failed to initialize rotating logger", "error", err)
		return logger, nil
	}

	// The file always keeps at least info so prod incidents can be traced
	fileLevel := parseLogLevel(opts.Level)
	if fileLevel > slog.LevelInfo {
		fileLevel = slog.LevelInfo
	}
	fileHandler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: fileLevel})

	return slog.New(&multiHandler{handlers: []slog.Handler{consoleHandler, fileHandler}}), writer
}

// StartCleanup removes expired log files once a day until ctx is done
func StartCleanup(ctx context.Context, writer *RotatingWriter) {
	if writer == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := writer.Cleanup(); err != nil {
					Warn("Failed to clean up old logs", "error", err)
				} else if n > 0 {
					Info("Cleaned up old log files", "count", n)
				}
			}
		}
	}()
}

// multiHandler fans records out to every handler that accepts the level
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r.Clone()); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: next}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		next[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: next}
}
