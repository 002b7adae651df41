// Package logger owns the process-wide structured log file. Engines receive
// a *slog.Logger scoped with ComponentLogger; records are formatted as
// logfmt by a charmbracelet/log handler. Nothing is written until Init is
// called, so library code and tests stay quiet by default.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	charmlog "github.com/charmbracelet/log"
)

var (
	mu      sync.Mutex
	level   = charmlog.InfoLevel
	handler = newHandler(io.Discard)
	logFile *os.File
	base    = slog.New(handler)
	logPath string
)

func newHandler(w io.Writer) *charmlog.Logger {
	return charmlog.NewWithOptions(w, charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       charmlog.LogfmtFormatter,
		Level:           level,
	})
}

// Init opens (appending) the log file at path, creating parent directories.
// Calling Init again switches to the new path.
func Init(path string) error {
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", path, err)
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	logFile = f
	logPath = path
	handler = newHandler(f)
	base = slog.New(handler)
	base.Debug("logger initialized", "path", path)
	return nil
}

// Path returns the active log file path, or "" before Init.
func Path() string {
	mu.Lock()
	defer mu.Unlock()
	return logPath
}

// SetDebug toggles debug-level records.
func SetDebug(enabled bool) {
	if enabled {
		setLevel(charmlog.DebugLevel)
	} else {
		setLevel(charmlog.InfoLevel)
	}
}

// SetLevel parses a level name ("debug", "info", "warn", "error").
func SetLevel(name string) error {
	l, err := charmlog.ParseLevel(name)
	if err != nil {
		return fmt.Errorf("invalid log level %q", name)
	}
	setLevel(l)
	return nil
}

func setLevel(l charmlog.Level) {
	mu.Lock()
	defer mu.Unlock()
	level = l
	handler.SetLevel(l)
}

// Get returns the base logger.
func Get() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return base
}

// ComponentLogger returns a logger tagged with component.
//
//	log := logger.ComponentLogger("rollover")
//	log.Info("plan built", "version", next)
func ComponentLogger(component string) *slog.Logger {
	return Get().With(slog.String("component", component))
}

// WithSession returns a logger tagged with a session id.
func WithSession(sessionID string) *slog.Logger {
	return Get().With(slog.String("session", sessionID))
}

// Close closes the log file and reverts to discarding output.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if logFile != nil {
		_ = logFile.Close()
		logFile = nil
	}
	logPath = ""
	handler = newHandler(io.Discard)
	base = slog.New(handler)
}
