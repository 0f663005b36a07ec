package log

import (
	"context"
	"log/slog"
	"math"
	"os"
	"runtime"
	"time"
)

const (
	levelMaxVerbosity slog.Level = math.MinInt
	LevelTrace        slog.Level = -8
	LevelDebug                   = slog.LevelDebug
	LevelInfo                    = slog.LevelInfo
	LevelWarn                    = slog.LevelWarn
	LevelError                   = slog.LevelError
	LevelCrit         slog.Level = 12
)

// Logger writes module-tagged key/value records. Crit exits the process.
type Logger interface {
	With(kv ...any) Logger
	Write(level slog.Level, module, msg string, kv ...any)
	Trace(module, msg string, kv ...any)
	Debug(module, msg string, kv ...any)
	Info(module, msg string, kv ...any)
	Warn(module, msg string, kv ...any)
	Error(module, msg string, kv ...any)
	Crit(module, msg string, kv ...any)
}

type logger struct {
	inner *slog.Logger
}

// NewLogger wraps an slog handler.
func NewLogger(h slog.Handler) Logger {
	return &logger{inner: slog.New(h)}
}

// Write emits one record. The module goes first as "mod" so filtered
// output stays greppable; the source position is the caller of the
// package-level helper.
func (l *logger) Write(level slog.Level, module, msg string, kv ...any) {
	ctx := context.Background()
	if !l.inner.Enabled(ctx, level) {
		return
	}
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])
	r := slog.NewRecord(time.Now(), level, msg, pcs[0])
	if module != "" {
		r.AddAttrs(slog.String("mod", module))
	}
	r.Add(kv...)
	_ = l.inner.Handler().Handle(ctx, r)
}

func (l *logger) With(kv ...any) Logger { return &logger{l.inner.With(kv...)} }

func (l *logger) Trace(module, msg string, kv ...any) { l.Write(LevelTrace, module, msg, kv...) }
func (l *logger) Debug(module, msg string, kv ...any) { l.Write(LevelDebug, module, msg, kv...) }
func (l *logger) Info(module, msg string, kv ...any)  { l.Write(LevelInfo, module, msg, kv...) }
func (l *logger) Warn(module, msg string, kv ...any)  { l.Write(LevelWarn, module, msg, kv...) }
func (l *logger) Error(module, msg string, kv ...any) { l.Write(LevelError, module, msg, kv...) }

func (l *logger) Crit(module, msg string, kv ...any) {
	l.Write(LevelCrit, module, msg, kv...)
	os.Exit(1)
}
