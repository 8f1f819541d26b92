package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

var levelVar = new(slog.LevelVar)

var (
	mu               sync.Mutex
	format           = "json"
	output io.Writer = os.Stdout
)

var current = newSwapHandler(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: levelVar}))

// L is the process-wide structured logger. It is never reassigned; SetFormat and
// SetOutput swap its handler atomically, so they are safe while others log.
var L = slog.New(current)

// SetLevel configures the global log level (debug, info, warn, error).
func SetLevel(lvl string) {
	switch strings.ToLower(lvl) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetFormat switches between the json (default) and text handlers.
func SetFormat(f string) {
	mu.Lock()
	defer mu.Unlock()
	format = strings.ToLower(f)
	rebuild()
}

// SetOutput redirects log output. The terminal chat sends logs to stderr so they
// do not interleave with the transcript.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	rebuild()
}

// rebuild must be called with mu held.
func rebuild() {
	opts := &slog.HandlerOptions{Level: levelVar}
	if format == "text" {
		current.store(slog.NewTextHandler(output, opts))
		return
	}
	current.store(slog.NewJSONHandler(output, opts))
}

// swapHandler forwards to a handler that can be replaced at runtime. Loggers
// derived with With or WithGroup keep the handler that was current then.
type swapHandler struct {
	h atomic.Pointer[slog.Handler]
}

func newSwapHandler(h slog.Handler) *swapHandler {
	s := &swapHandler{}
	s.store(h)
	return s
}

func (s *swapHandler) store(h slog.Handler) { s.h.Store(&h) }

func (s *swapHandler) load() slog.Handler { return *s.h.Load() }

func (s *swapHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return s.load().Enabled(ctx, l)
}

func (s *swapHandler) Handle(ctx context.Context, r slog.Record) error {
	return s.load().Handle(ctx, r)
}

func (s *swapHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return s.load().WithAttrs(attrs)
}

func (s *swapHandler) WithGroup(name string) slog.Handler {
	return s.load().WithGroup(name)
}
