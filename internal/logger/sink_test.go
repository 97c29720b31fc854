package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

type captured struct {
	level slog.Level
	msg   string
	attrs map[string]string
}

type captureSink struct {
	mu      sync.Mutex
	records []captured
}

func (c *captureSink) sink(level slog.Level, msg string, attrs []slog.Attr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m := make(map[string]string, len(attrs))
	for _, a := range attrs {
		m[a.Key] = a.Value.String()
	}
	c.records = append(c.records, captured{level: level, msg: msg, attrs: m})
}

// Sink tests mutate the process registry and must not run in parallel.

func TestInstallSinkCapturesProcessRecords(t *testing.T) {
	var c captureSink
	restore := InstallSink(c.sink)
	t.Cleanup(restore)

	log := Process().With("model", "tiny").WithGroup("decode")
	log.Debug("fallback", "temperature", 0.2)

	if len(c.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(c.records))
	}
	r := c.records[0]
	if r.level != slog.LevelDebug || r.msg != "fallback" {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.attrs["model"] != "tiny" {
		t.Fatalf("expected model attr, got %v", r.attrs)
	}
	if r.attrs["decode.temperature"] != "0.2" {
		t.Fatalf("expected grouped temperature attr, got %v", r.attrs)
	}
}

func TestRestoreReinstatesPreviousSink(t *testing.T) {
	var outer, inner captureSink
	restoreOuter := InstallSink(outer.sink)
	t.Cleanup(restoreOuter)

	log := Process()
	restoreInner := InstallSink(inner.sink)
	log.Info("inner")
	restoreInner()
	restoreInner()
	log.Info("outer")

	if len(inner.records) != 1 || inner.records[0].msg != "inner" {
		t.Fatalf("inner sink got %+v", inner.records)
	}
	if len(outer.records) != 1 || outer.records[0].msg != "outer" {
		t.Fatalf("outer sink got %+v", outer.records)
	}
}

func TestDiscardSuppressesOutput(t *testing.T) {
	restore := InstallSink(Discard)
	t.Cleanup(restore)
	Process().Error("dropped")
}

func TestHandlerSinkForwards(t *testing.T) {
	var buf bytes.Buffer
	restore := InstallSink(HandlerSink(NewConsoleHandler(&buf, ConsoleOptions{Level: slog.LevelWarn})))
	t.Cleanup(restore)

	Process().Info("hidden")
	Process().Warn("shown", "chunk", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "shown") || !strings.Contains(out, "chunk=3") {
		t.Fatalf("expected warn record, got: %s", out)
	}
}

func TestSinkSerializesConcurrentWriters(t *testing.T) {
	var (
		inside int
		maxIn  int
		count  int
	)
	restore := InstallSink(func(slog.Level, string, []slog.Attr) {
		inside++
		if inside > maxIn {
			maxIn = inside
		}
		count++
		inside--
	})
	t.Cleanup(restore)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			log := Process()
			for range 50 {
				log.Info("tick")
			}
		})
	}
	wg.Wait()

	if count != 400 {
		t.Fatalf("expected 400 records, got %d", count)
	}
	if maxIn != 1 {
		t.Fatalf("sink entered concurrently: %d", maxIn)
	}
}
