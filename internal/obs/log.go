package obs

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

var (
	loggerMu sync.RWMutex
	logger   *slog.Logger
)

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON at info level, anything else human-readable text at debug.
func NewLogger(env string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		opts.Level = slog.LevelDebug
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// Logger returns the process logger. Until SetLogger is called it writes JSON
// to stdout.
func Logger() *slog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		logger = NewLogger("production", os.Stdout)
	}
	return logger
}

// SetLogger replaces the process logger and slog's default. It returns the
// previous logger so tests can restore it.
func SetLogger(l *slog.Logger) *slog.Logger {
	prev := Logger()
	if l == nil {
		return prev
	}
	loggerMu.Lock()
	logger = l
	loggerMu.Unlock()
	slog.SetDefault(l)
	return prev
}
