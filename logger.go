package imap

import (
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger is what the engine logs through. Implementations must be safe
// for concurrent use.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	WithAttrs(args ...any) Logger
}

var globalLogger atomic.Value // stores Logger

func init() {
	globalLogger.Store(defaultLogger())
}

// defaultLogger writes info and above to stderr.
func defaultLogger() Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return SlogLogger(slog.New(handler)).WithAttrs("component", "imap/engine")
}

// SetLogger replaces the global logger used by the package. Passing nil
// restores the built-in slog logger.
func SetLogger(logger Logger) {
	if logger == nil {
		globalLogger.Store(defaultLogger())
		return
	}
	globalLogger.Store(logger.WithAttrs("component", "imap/engine"))
}

// SetSlogLogger is a convenience helper for using a *slog.Logger directly.
func SetSlogLogger(logger *slog.Logger) {
	SetLogger(SlogLogger(logger))
}

// SlogLogger adapts a *slog.Logger to the Logger interface.
func SlogLogger(logger *slog.Logger) Logger {
	if logger == nil {
		return nil
	}
	return slogAdapter{l: logger}
}

type slogAdapter struct{ l *slog.Logger }

func (s slogAdapter) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }
func (s slogAdapter) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s slogAdapter) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s slogAdapter) Error(msg string, args ...any) { s.l.Error(msg, args...) }

func (s slogAdapter) WithAttrs(args ...any) Logger {
	return slogAdapter{l: s.l.With(args...)}
}

func getLogger() Logger {
	if l, ok := globalLogger.Load().(Logger); ok {
		return l
	}
	l := defaultLogger()
	globalLogger.Store(l)
	return l
}

// loggerFor tags the global logger with a connection id (negative for
// none) and a folder name (empty for none).
func loggerFor(connID int, folder string) Logger {
	var args []any
	if connID >= 0 {
		args = append(args, "conn", connID)
	}
	if folder != "" {
		args = append(args, "mailbox", folder)
	}
	if len(args) == 0 {
		return getLogger()
	}
	return getLogger().WithAttrs(args...)
}

// debugLog only logs with Verbose set; wire traffic goes through it.
func debugLog(connID int, folder string, msg string, args ...any) {
	if Verbose {
		loggerFor(connID, folder).Debug(msg, args...)
	}
}

func infoLog(connID int, folder string, msg string, args ...any) {
	loggerFor(connID, folder).Info(msg, args...)
}

func warnLog(connID int, folder string, msg string, args ...any) {
	loggerFor(connID, folder).Warn(msg, args...)
}

func errorLog(connID int, folder string, msg string, args ...any) {
	loggerFor(connID, folder).Error(msg, args...)
}
