// Package logging builds the process logger: JSON records to a rotating
// file plus human-readable text on stderr.
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const FileName = "gcslink.slog"

type Options struct {
	Level string
	// Dir holds the rotating JSON log. Empty disables the file.
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Console receives text records. Nil means os.Stderr.
	Console io.Writer
	// Extra, when set, also receives text records (e.g. the web log tail).
	Extra io.Writer
}

type Logger struct {
	*slog.Logger
	LogFile string
	Start   time.Time

	file *lumberjack.Logger
}

func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("%s: invalid log level", s)
}

func New(opts Options) (*Logger, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	console := opts.Console
	if console == nil {
		console = os.Stderr
	}

	hopts := &slog.HandlerOptions{Level: lvl}
	handlers := []slog.Handler{slog.NewTextHandler(console, hopts)}
	if opts.Extra != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Extra, hopts))
	}

	l := &Logger{Start: time.Now()}
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, err
		}
		l.file = &lumberjack.Logger{
			Filename:   filepath.Join(opts.Dir, FileName),
			MaxSize:    opts.MaxSizeMB, // MB
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		l.LogFile = l.file.Filename
		handlers = append(handlers, slog.NewJSONHandler(l.file, hopts))
	}

	if len(handlers) == 1 {
		l.Logger = slog.New(handlers[0])
	} else {
		l.Logger = slog.New(tee(handlers))
	}

	l.Info("logging started", slog.Time("start", l.Start), slog.String("level", lvl.String()))
	l.Info("system information",
		slog.String("GOARCH", runtime.GOARCH),
		slog.String("GOOS", runtime.GOOS),
		slog.Int("NumCPUs", runtime.NumCPU()))
	if bi, ok := debug.ReadBuildInfo(); ok {
		var settings []any
		for _, s := range bi.Settings {
			if strings.HasPrefix(s.Key, "vcs.") {
				settings = append(settings, slog.String(s.Key, s.Value))
			}
		}
		l.Info("build",
			slog.String("go_version", bi.GoVersion),
			slog.String("path", bi.Path),
			slog.Group("vcs", settings...))
	}
	return l, nil
}

// Close flushes and closes the rotating file, if any.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}

// tee fans a record out to every handler that accepts its level.
type tee []slog.Handler

func (t tee) Enabled(ctx context.Context, lvl slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, lvl) {
			return true
		}
	}
	return false
}

func (t tee) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t tee) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (t tee) WithGroup(name string) slog.Handler {
	out := make(tee, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}
	return out
}
