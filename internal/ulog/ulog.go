// Package ulog is the structured logging wrapper used throughout
// upatch-build. Every diagnostic emitted while building a patch carries the
// basename of the source object being processed, so a wrapping CLI can
// correlate a log line back to the invocation that produced it.
package ulog

import (
	"fmt"
	"os"

	"github.com/ianlancetaylor/demangle"
	"golang.org/x/exp/slog"
)

// Logger is a slog.Logger bound to a build's source-object prefix.
type Logger struct {
	base   *slog.Logger
	prefix string
}

// New creates a Logger that prefixes every message with prefix (typically
// the basename of the --source object) and writes to w at the given level.
func New(w *os.File, prefix string, debug bool) *Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	return &Logger{base: slog.New(h), prefix: prefix}
}

func (l *Logger) with(format string, args ...any) string {
	return fmt.Sprintf("%s: %s", l.prefix, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) { l.base.Debug(l.with(format, args...)) }
func (l *Logger) Info(format string, args ...any)  { l.base.Info(l.with(format, args...)) }
func (l *Logger) Warn(format string, args ...any)  { l.base.Warn(l.with(format, args...)) }
func (l *Logger) Error(err error, format string, args ...any) {
	msg := l.with(format, args...)
	if err != nil {
		l.base.Error(msg, "err", err)
		return
	}
	l.base.Error(msg)
}

// Demangle renders name in human-readable form for diagnostics if it looks
// like a mangled C++ symbol, and returns it unchanged otherwise. Patched
// translation units are usually plain C, but livepatch targets occasionally
// include a C++ compilation unit (extern "C" boundaries notwithstanding),
// so diagnostics stay readable either way.
func Demangle(name string) string {
	if out := demangle.Filter(name); out != name {
		return out
	}
	return name
}
