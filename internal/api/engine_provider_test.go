package api

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/whisper"
)

type fakeEngine struct {
	path   string
	closed atomic.Bool
}

func (e *fakeEngine) Transcribe(context.Context, *inference.Request, []float32) (*inference.Result, error) {
	return &inference.Result{Result: &whisper.Result{Language: "en"}}, nil
}

func (e *fakeEngine) DetectLanguage(context.Context, *inference.Request, []float32) ([]whisper.LangProb, error) {
	return nil, nil
}

func (e *fakeEngine) Info() inference.ModelInfo { return inference.ModelInfo{Path: e.path} }

func (e *fakeEngine) Close() error {
	e.closed.Store(true)
	return nil
}

type fakeLoader struct {
	mu      sync.Mutex
	loads   int
	engines []*fakeEngine
	err     error
}

func (l *fakeLoader) Load(path string) (*inference.LoadResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	l.loads++
	e := &fakeEngine{path: path}
	l.engines = append(l.engines, e)
	return &inference.LoadResult{Engine: e, Info: e.Info()}, nil
}

func (l *fakeLoader) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func TestCachedEngineProviderListModelsFromDir(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "beta.mmf"), "b")
	mustWriteFile(t, filepath.Join(dir, "alpha.mmf"), "a")
	mustWriteFile(t, filepath.Join(dir, "notes.txt"), "x")

	provider := NewCachedEngineProvider(EngineProviderConfig{ModelsPath: dir})
	defer provider.Close()
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"alpha", "beta"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestCachedEngineProviderListModelsIncludesDefaultModel(t *testing.T) {
	t.Parallel()

	provider := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: "/models/base-en.mmf"})
	defer provider.Close()
	models, err := provider.ListModels()
	if err != nil {
		t.Fatalf("ListModels() error = %v", err)
	}

	want := []string{"base-en"}
	if !reflect.DeepEqual(models, want) {
		t.Fatalf("ListModels() = %v, want %v", models, want)
	}
}

func TestCachedEngineProviderResolveModelPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "small.mmf"), "s")
	provider := NewCachedEngineProvider(EngineProviderConfig{
		ModelsPath:       dir,
		DefaultModelPath: "/models/base.mmf",
	})
	defer provider.Close()

	cases := []struct {
		id   string
		want string
	}{
		{"", "/models/base.mmf"},
		{"base", "/models/base.mmf"},
		{"small", filepath.Join(dir, "small.mmf")},
		{"small.mmf", "small.mmf"},
		{"/tmp/x/../other.mmf", "/tmp/other.mmf"},
	}
	for _, tc := range cases {
		got, err := provider.resolveModelPath(tc.id)
		if err != nil {
			t.Fatalf("resolveModelPath(%q): %v", tc.id, err)
		}
		if got != tc.want {
			t.Fatalf("resolveModelPath(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
	if _, err := provider.resolveModelPath("large"); !errors.Is(err, ErrModelNotFound) {
		t.Fatalf("expected ErrModelNotFound, got %v", err)
	}
}

func TestCachedEngineProviderRequiresChoice(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	mustWriteFile(t, filepath.Join(dir, "a.mmf"), "a")
	mustWriteFile(t, filepath.Join(dir, "b.mmf"), "b")
	provider := NewCachedEngineProvider(EngineProviderConfig{ModelsPath: dir})
	defer provider.Close()

	if _, err := provider.resolveModelPath(""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestCachedEngineProviderReusesEngine(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	provider := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: "/m/base.mmf", Loader: loader})
	defer provider.Close()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := provider.WithEngine(context.Background(), "", func(inference.Engine) error { return nil })
			if err != nil {
				t.Errorf("WithEngine: %v", err)
			}
		}()
	}
	wg.Wait()
	if got := loader.count(); got != 1 {
		t.Fatalf("loads: got %d want 1", got)
	}
}

func TestCachedEngineProviderKeepAliveClosesIdleEngine(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	provider := NewCachedEngineProvider(EngineProviderConfig{
		DefaultModelPath: "/m/base.mmf",
		KeepAlive:        20 * time.Millisecond,
		Loader:           loader,
	})
	defer provider.Close()

	if err := provider.WithEngine(context.Background(), "", func(inference.Engine) error { return nil }); err != nil {
		t.Fatalf("WithEngine: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !loader.engines[0].closed.Load() {
		if time.Now().After(deadline) {
			t.Fatalf("idle engine was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestCachedEngineProviderKeepsBusyEngine(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	provider := NewCachedEngineProvider(EngineProviderConfig{
		DefaultModelPath: "/m/base.mmf",
		KeepAlive:        10 * time.Millisecond,
		Loader:           loader,
	})
	defer provider.Close()

	err := provider.WithEngine(context.Background(), "", func(e inference.Engine) error {
		time.Sleep(80 * time.Millisecond)
		if e.(*fakeEngine).closed.Load() {
			return errors.New("engine closed while in use")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithEngine: %v", err)
	}
}

func TestCachedEngineProviderCloseUnloads(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{}
	provider := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: "/m/base.mmf", Loader: loader})
	if err := provider.WithEngine(context.Background(), "", func(inference.Engine) error { return nil }); err != nil {
		t.Fatalf("WithEngine: %v", err)
	}
	if err := provider.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !loader.engines[0].closed.Load() {
		t.Fatalf("engine still open after Close")
	}
}

func TestCachedEngineProviderLoadError(t *testing.T) {
	t.Parallel()

	loader := &fakeLoader{err: errors.New("boom")}
	provider := NewCachedEngineProvider(EngineProviderConfig{DefaultModelPath: "/m/base.mmf", Loader: loader})
	defer provider.Close()

	err := provider.WithEngine(context.Background(), "", func(inference.Engine) error { return nil })
	if err == nil {
		t.Fatalf("expected load error")
	}
	if n := provider.refs["/m/base.mmf"]; n != 0 {
		t.Fatalf("reference leaked: %d", n)
	}
}

func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
