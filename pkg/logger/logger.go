package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes how the application logger should behave.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail that records task log writes and
// step transitions. When disabled the default logger doubles as the audit
// channel.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	mu            sync.Mutex
	defaultLogger *slog.Logger
	auditLogger   *slog.Logger
	closers       []io.Closer
)

// Init configures the global logger instances. Calling it twice replaces the
// previous configuration and closes any files the old one held open.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true}
	writer, newClosers, err := combineOutputs(cfg.OutputPaths)
	if err != nil {
		return err
	}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(writer, opts)
	} else {
		handler = slog.NewJSONHandler(writer, opts)
	}

	audit := slog.New(handler)
	if cfg.Audit.Enabled {
		if cfg.Audit.Path == "" {
			closeAll(newClosers)
			return errors.New("audit log path cannot be empty when enabled")
		}
		rotating, err := newRotateWriter(cfg.Audit.Path, cfg.Audit.MaxSizeMB, cfg.Audit.MaxBackups, cfg.Audit.MaxAgeDays)
		if err != nil {
			closeAll(newClosers)
			return err
		}
		newClosers = append(newClosers, rotating)
		audit = slog.New(slog.NewJSONHandler(rotating, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	closeAll(closers)
	closers = newClosers
	defaultLogger = slog.New(handler)
	auditLogger = audit
	return nil
}

func combineOutputs(outputs []string) (io.Writer, []io.Closer, error) {
	if len(outputs) == 0 {
		return os.Stdout, nil, nil
	}
	writers := make([]io.Writer, 0, len(outputs))
	var opened []io.Closer
	for _, out := range outputs {
		switch strings.ToLower(out) {
		case "stdout":
			writers = append(writers, os.Stdout)
		case "stderr":
			writers = append(writers, os.Stderr)
		default:
			if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("create log directory: %w", err)
			}
			file, err := os.OpenFile(out, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				closeAll(opened)
				return nil, nil, fmt.Errorf("open log file %s: %w", out, err)
			}
			writers = append(writers, file)
			opened = append(opened, file)
		}
	}
	if len(writers) == 1 {
		return writers[0], opened, nil
	}
	return io.MultiWriter(writers...), opened, nil
}

func closeAll(list []io.Closer) {
	for _, closer := range list {
		_ = closer.Close()
	}
}

func parseLevel(level string) slog.Level {
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

// L returns the structured logger instance.
func L() *slog.Logger {
	mu.Lock()
	logger := defaultLogger
	mu.Unlock()
	if logger == nil {
		_ = Init(Config{})
		mu.Lock()
		logger = defaultLogger
		mu.Unlock()
	}
	return logger
}

// Audit returns the audit logger.
func Audit() *slog.Logger {
	mu.Lock()
	logger := auditLogger
	mu.Unlock()
	if logger == nil {
		return L()
	}
	return logger
}

// Sync flushes buffered log entries to their outputs.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, closer := range closers {
		err = errors.Join(err, closer.Close())
	}
	closers = nil
	return err
}

// Named returns a child logger with the provided component name.
func Named(name string) *slog.Logger {
	return L().WithGroup(name)
}
