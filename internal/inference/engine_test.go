package inference

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/toy"
	"github.com/samcharles93/murmur/internal/whisper"
)

func loadToyEngine(t *testing.T) Engine {
	t.Helper()
	path := filepath.Join(t.TempDir(), "toy.mmf")
	if err := toy.WriteFile(path, toy.DefaultConfig()); err != nil {
		t.Fatalf("write model: %v", err)
	}
	res, err := Loader{Backend: "cpu", Logger: logger.Nop()}.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	t.Cleanup(func() { _ = res.Engine.Close() })
	return res.Engine
}

func resolve(t *testing.T, opts RequestOptions) *Request {
	t.Helper()
	req, err := ResolveRequest(opts, Defaults{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	return &req
}

func TestEngineTranscribe(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t)
	req := resolve(t, RequestOptions{})

	for range 2 {
		res, err := e.Transcribe(context.Background(), req, toy.Tone(2))
		if err != nil {
			t.Fatalf("transcribe: %v", err)
		}
		if got, want := res.Text(), " hello world"; got != want {
			t.Fatalf("text: got %q want %q", got, want)
		}
		if res.Language != "en" {
			t.Fatalf("language: got %q want en", res.Language)
		}
		if res.Stats.Segments != 1 || res.Stats.AudioDuration.Seconds() != 2 {
			t.Fatalf("stats: %+v", res.Stats)
		}
	}
}

func TestEngineTranscribeParallel(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t)
	workers := 2
	noContext := true
	req := resolve(t, RequestOptions{Workers: &workers, NoContext: &noContext, Language: ptr("en")})

	res, err := e.Transcribe(context.Background(), req, toy.Tone(8))
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.NSegments() != 6 {
		t.Fatalf("segments: got %d want 6", res.NSegments())
	}
	if got := strings.Count(res.Text(), "hello world"); got != 6 {
		t.Fatalf("phrases: got %d want 6", got)
	}
}

func TestEngineInfo(t *testing.T) {
	t.Parallel()
	info := loadToyEngine(t).Info()
	cfg := toy.DefaultConfig()
	if info.AudioCtx != cfg.NAudioCtx || info.TextCtx != cfg.NTextCtx || !info.Multilingual {
		t.Fatalf("info: %+v", info)
	}
	if info.Backend != "cpu" || info.Tensors == 0 {
		t.Fatalf("info: %+v", info)
	}
}

func TestEngineRejectsBadLanguage(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t)
	req := resolve(t, RequestOptions{Language: ptr("klingon")})
	_, err := e.Transcribe(context.Background(), req, toy.Tone(2))
	if whisper.KindOf(err) != whisper.KindInvalidArgument {
		t.Fatalf("got %v want invalid argument", err)
	}
}

func TestEngineClosed(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t)
	if err := e.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := e.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	_, err := e.Transcribe(context.Background(), resolve(t, RequestOptions{}), toy.Tone(2))
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v want ErrClosed", err)
	}
}

func TestEngineDetectLanguage(t *testing.T) {
	t.Parallel()
	e := loadToyEngine(t)
	probs, err := e.DetectLanguage(context.Background(), resolve(t, RequestOptions{}), toy.Tone(2))
	if err != nil {
		t.Fatalf("detect: %v", err)
	}
	if probs[0].Code != "en" {
		t.Fatalf("language: got %q want en", probs[0].Code)
	}
}

func TestLoaderMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := (Loader{}).Load(filepath.Join(t.TempDir(), "missing.mmf")); err == nil {
		t.Fatalf("expected error")
	}
	if _, err := (Loader{}).Load("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestLoaderRejectsUnknownBackend(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "toy.mmf")
	if err := toy.WriteFile(path, toy.DefaultConfig()); err != nil {
		t.Fatalf("write model: %v", err)
	}
	_, err := Loader{Backend: "tpu"}.Load(path)
	if !errors.Is(err, whisper.ErrInvalidArgument) {
		t.Fatalf("got %v want invalid argument", err)
	}
}

func TestSafeCallConvertsPanic(t *testing.T) {
	t.Parallel()
	_, err := safeCall("Transcribe", func() (*whisper.Result, error) {
		panic("boom")
	})
	if err == nil || !strings.Contains(err.Error(), "panic in Transcribe: boom") {
		t.Fatalf("unexpected error: %v", err)
	}
}
