package logger

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Sink receives every record logged through Process. Attribute keys carry
// their group prefix already joined with dots.
type Sink func(level slog.Level, msg string, attrs []slog.Attr)

// Discard is the sink that suppresses engine output entirely.
var Discard Sink = func(slog.Level, string, []slog.Attr) {}

// The registry is the only process-wide logging state. Sink calls happen
// with mu held, so worker goroutines never interleave inside a sink.
var registry struct {
	mu       sync.Mutex
	sink     Sink
	fallback slog.Handler
}

func init() {
	registry.fallback = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
}

// InstallSink makes s the destination for Process loggers and returns a
// function restoring the previous sink. A nil sink restores stderr output.
func InstallSink(s Sink) (restore func()) {
	registry.mu.Lock()
	prev := registry.sink
	registry.sink = s
	registry.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			registry.mu.Lock()
			registry.sink = prev
			registry.mu.Unlock()
		})
	}
}

// HandlerSink adapts a slog.Handler into a Sink.
func HandlerSink(h slog.Handler) Sink {
	return func(level slog.Level, msg string, attrs []slog.Attr) {
		ctx := context.Background()
		if !h.Enabled(ctx, level) {
			return
		}
		r := slog.NewRecord(time.Now(), level, msg, 0)
		r.AddAttrs(attrs...)
		_ = h.Handle(ctx, r)
	}
}

// Process returns a Logger that writes through the installed sink. The sink is
// resolved per record, so loggers obtained before InstallSink still follow it.
func Process() Logger {
	return New(&sinkHandler{})
}

type sinkHandler struct {
	group string
	attrs []slog.Attr
}

func (h *sinkHandler) Enabled(ctx context.Context, level slog.Level) bool {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.sink != nil {
		return true
	}
	return registry.fallback.Enabled(ctx, level)
}

func (h *sinkHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, len(h.attrs)+r.NumAttrs())
	attrs = append(attrs, h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, qualify(h.group, a))
		return true
	})

	registry.mu.Lock()
	defer registry.mu.Unlock()
	if registry.sink != nil {
		registry.sink(r.Level, r.Message, attrs)
		return nil
	}
	out := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	out.AddAttrs(attrs...)
	return registry.fallback.Handle(ctx, out)
}

func (h *sinkHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(next, h.attrs)
	for _, a := range attrs {
		next = append(next, qualify(h.group, a))
	}
	return &sinkHandler{group: h.group, attrs: next}
}

func (h *sinkHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &sinkHandler{group: group, attrs: h.attrs}
}

func qualify(group string, a slog.Attr) slog.Attr {
	if group == "" {
		return a
	}
	return slog.Attr{Key: group + "." + a.Key, Value: a.Value}
}
