package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

const (
	envModelsDir = "MURMUR_MODELS_DIR"
	modelExt     = ".mmf"
)

// stdinIsTTY is replaced in tests.
var stdinIsTTY = func() bool {
	st, err := os.Stdin.Stat()
	return err == nil && st.Mode()&os.ModeCharDevice != 0
}

// resolveModelPath picks the model file for a command. An explicit --model
// wins; a bare name such as "base.en" is looked up in the models directory.
// Otherwise the directory must hold exactly one model, or the user picks one
// when stdin is a terminal.
func resolveModelPath(modelFlag, modelsPath string, stdin io.Reader, stderr io.Writer) (string, error) {
	dir := resolveModelsDir(modelsPath)
	if name := strings.TrimSpace(modelFlag); name != "" {
		if dir != "" && isBareModelName(name) {
			if p, ok := lookupModel(dir, name); ok {
				return p, nil
			}
		}
		return filepath.Clean(name), nil
	}
	if dir == "" {
		return "", fmt.Errorf("--model or --models-path is required unless %s is set", envModelsDir)
	}

	models, err := discoverModels(dir)
	if err != nil {
		return "", err
	}
	switch {
	case len(models) == 0:
		return "", fmt.Errorf("no %s models found in %s", modelExt, dir)
	case len(models) == 1:
		_, _ = fmt.Fprintf(stderr, "murmur: using model %s\n", models[0])
		return models[0], nil
	case !stdinIsTTY():
		return "", fmt.Errorf("%d models found in %s and stdin is not interactive; pass --model", len(models), dir)
	}
	return promptModel(dir, models, stdin, stderr)
}

func resolveModelsDir(flag string) string {
	if dir := strings.TrimSpace(flag); dir != "" {
		return dir
	}
	return strings.TrimSpace(os.Getenv(envModelsDir))
}

func isBareModelName(name string) bool {
	return !strings.ContainsRune(name, filepath.Separator) &&
		!strings.ContainsRune(name, '/') &&
		!strings.EqualFold(filepath.Ext(name), modelExt)
}

// lookupModel maps a model name to <dir>/<name>.mmf or the conventional
// <dir>/ggml-<name>.mmf.
func lookupModel(dir, name string) (string, bool) {
	for _, file := range []string{name + modelExt, "ggml-" + name + modelExt} {
		p := filepath.Join(dir, file)
		if st, err := os.Stat(p); err == nil && st.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

// discoverModels lists the model files directly inside dir, sorted.
func discoverModels(dir string) ([]string, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("models directory is empty")
	}
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read models directory: %w", err)
	}
	var models []string
	for _, e := range ents {
		if e.Type().IsRegular() && strings.EqualFold(filepath.Ext(e.Name()), modelExt) {
			models = append(models, filepath.Join(dir, e.Name()))
		}
	}
	slices.Sort(models)
	return models, nil
}

func promptModel(dir string, models []string, stdin io.Reader, stderr io.Writer) (string, error) {
	_, _ = fmt.Fprintf(stderr, "murmur: models in %s\n", dir)
	for i, m := range models {
		_, _ = fmt.Fprintf(stderr, "%3d. %s %s\n", i+1, filepath.Base(m), describeModel(m))
	}

	in := bufio.NewScanner(stdin)
	for {
		_, _ = fmt.Fprintf(stderr, "murmur: choose [1-%d]: ", len(models))
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no model chosen on stdin; pass --model")
		}
		answer := strings.TrimSpace(in.Text())
		if answer == "" {
			continue
		}
		n, err := strconv.Atoi(answer)
		if err != nil || n < 1 || n > len(models) {
			_, _ = fmt.Fprintf(stderr, "murmur: %q is not a listed model\n", answer)
			continue
		}
		return models[n-1], nil
	}
}

// outputBase is where transcripts of input are written, without extension.
// An explicit base only applies when there is a single input.
func outputBase(input, explicit string, inputs int) string {
	if explicit != "" && inputs == 1 {
		return explicit
	}
	return input
}
