package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func writeModels(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644); err != nil {
			t.Fatalf("write model %s: %v", name, err)
		}
	}
}

func TestDiscoverModelsSorted(t *testing.T) {
	dir := t.TempDir()
	writeModels(t, dir, "b.mmf", "a.mmf", "ignore.txt")

	got, err := discoverModels(dir)
	if err != nil {
		t.Fatalf("discoverModels returned error: %v", err)
	}
	want := []string{
		filepath.Join(dir, "a.mmf"),
		filepath.Join(dir, "b.mmf"),
	}
	if len(got) != len(want) {
		t.Fatalf("unexpected model count: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected ordering at %d: got %q want %q", i, got[i], want[i])
		}
	}
}

func TestResolveModelPath(t *testing.T) {
	t.Run("model flag bypasses env", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		got, err := resolveModelPath("/tmp/model.mmf", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if got != filepath.Clean("/tmp/model.mmf") {
			t.Fatalf("unexpected model path: got %q", got)
		}
	})

	t.Run("bare name resolves inside models dir", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "ggml-base.en.mmf", "tiny.mmf")
		t.Setenv(envModelsDir, dir)

		for name, want := range map[string]string{
			"base.en": filepath.Join(dir, "ggml-base.en.mmf"),
			"tiny":    filepath.Join(dir, "tiny.mmf"),
			"large":   "large",
		} {
			got, err := resolveModelPath(name, "", bytes.NewBuffer(nil), io.Discard)
			if err != nil {
				t.Fatalf("resolveModelPath(%q): %v", name, err)
			}
			if got != want {
				t.Fatalf("resolveModelPath(%q) = %q, want %q", name, got, want)
			}
		}
	})

	t.Run("missing directory is an error", func(t *testing.T) {
		t.Setenv(envModelsDir, "")
		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error without model or models dir")
		}
	})

	t.Run("flag directory wins over env", func(t *testing.T) {
		envDir := t.TempDir()
		flagDir := t.TempDir()
		writeModels(t, envDir, "env.mmf")
		writeModels(t, flagDir, "flag.mmf")
		t.Setenv(envModelsDir, envDir)

		got, err := resolveModelPath("", flagDir, bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(flagDir, "flag.mmf"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
	})

	t.Run("single model selects automatically", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "only.mmf")
		t.Setenv(envModelsDir, dir)

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prevTTY }()

		got, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "only.mmf"); got != want {
			t.Fatalf("unexpected model path: got %q want %q", got, want)
		}
	})

	t.Run("multiple models requires tty", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "a.mmf", "b.mmf")
		t.Setenv(envModelsDir, dir)

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return false }
		defer func() { stdinIsTTY = prevTTY }()

		if _, err := resolveModelPath("", "", bytes.NewBuffer(nil), io.Discard); err == nil {
			t.Fatalf("expected error when multiple models and stdin is not a tty")
		}
	})

	t.Run("interactive selection chooses sorted index", func(t *testing.T) {
		dir := t.TempDir()
		writeModels(t, dir, "b.mmf", "a.mmf")
		t.Setenv(envModelsDir, dir)

		prevTTY := stdinIsTTY
		stdinIsTTY = func() bool { return true }
		defer func() { stdinIsTTY = prevTTY }()

		got, err := resolveModelPath("", "", bytes.NewBufferString("x\n2\n"), io.Discard)
		if err != nil {
			t.Fatalf("resolveModelPath returned error: %v", err)
		}
		if want := filepath.Join(dir, "b.mmf"); got != want {
			t.Fatalf("unexpected model selection: got %q want %q", got, want)
		}
	})
}

func TestOutputBase(t *testing.T) {
	if got := outputBase("talk.wav", "", 1); got != "talk.wav" {
		t.Fatalf("default base: got %q", got)
	}
	if got := outputBase("talk.wav", "out/notes", 1); got != "out/notes" {
		t.Fatalf("explicit base: got %q", got)
	}
	if got := outputBase("talk.wav", "out/notes", 2); got != "talk.wav" {
		t.Fatalf("explicit base with many inputs: got %q", got)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := "models_dir: /srv/models\nlanguage: de\nbeam_size: 5\noutput_formats: [srt, json]\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MURMUR_CONFIG", path)

	cfg := LoadConfig()
	if cfg.ModelsDir != "/srv/models" {
		t.Fatalf("models_dir: got %q", cfg.ModelsDir)
	}
	if cfg.Language == nil || *cfg.Language != "de" {
		t.Fatalf("language: got %v", cfg.Language)
	}
	if cfg.BeamSize == nil || *cfg.BeamSize != 5 {
		t.Fatalf("beam_size: got %v", cfg.BeamSize)
	}
	if cfg.Workers != nil {
		t.Fatalf("workers should be unset, got %d", *cfg.Workers)
	}
	if len(cfg.OutputFormats) != 2 || cfg.OutputFormats[1] != "json" {
		t.Fatalf("output_formats: got %v", cfg.OutputFormats)
	}

	t.Setenv("MURMUR_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if got := LoadConfig(); got.ModelsDir != "" {
		t.Fatalf("missing config should be zero, got %+v", got)
	}
}
