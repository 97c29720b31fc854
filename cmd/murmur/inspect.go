package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/pkg/mmf"
)

type inspectTensor struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []int  `json:"shape"`
	Bytes int    `json:"bytes"`
}

type inspectReport struct {
	Path         string          `json:"path"`
	Version      string          `json:"version"`
	Type         string          `json:"type"`
	Multilingual bool            `json:"multilingual"`
	FType        string          `json:"ftype"`
	HParams      mmf.HParams     `json:"hparams"`
	Mels         int             `json:"filters_mel"`
	FFT          int             `json:"filters_fft"`
	Vocab        int             `json:"vocab_stored"`
	DTypes       map[string]int  `json:"dtypes"`
	TensorBytes  int64           `json:"tensor_bytes"`
	Tensors      []inspectTensor `json:"tensors,omitempty"`
}

func inspectCmd() *cli.Command {
	var (
		path         string
		showTensors  bool
		showVocab    bool
		asJSON       bool
		tensorLimit  int64
		vocabLimit   int64
		tensorFilter string
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Inspect the contents of an .mmf model file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "model",
				Aliases:     []string{"m"},
				Usage:       "path to .mmf file",
				Destination: &path,
				Required:    true,
			},
			&cli.BoolFlag{Name: "tensors", Usage: "list tensor index", Destination: &showTensors},
			&cli.BoolFlag{Name: "vocab", Usage: "list vocab entries", Destination: &showVocab},
			&cli.BoolFlag{Name: "json", Usage: "print the report as JSON", Destination: &asJSON},
			&cli.Int64Flag{Name: "tensors-limit", Usage: "limit tensor listing (0 = no limit)", Value: 50, Destination: &tensorLimit},
			&cli.Int64Flag{Name: "vocab-limit", Usage: "limit vocab listing (0 = no limit)", Value: 50, Destination: &vocabLimit},
			&cli.StringFlag{Name: "tensor-filter", Usage: "substring filter for tensor listing", Destination: &tensorFilter},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			f, err := mmf.Open(path)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: open %s: %v", path, err), 1)
			}
			defer func() { _ = f.Close() }()

			rep := buildReport(path, f, showTensors || asJSON, tensorFilter)
			if asJSON {
				data, err := json.MarshalIndent(rep, "", "  ")
				if err != nil {
					return err
				}
				_, err = fmt.Fprintln(os.Stdout, string(data))
				return err
			}

			printReport(rep)
			if showTensors {
				printTensorIndex(rep.Tensors, int(tensorLimit))
			}
			if showVocab {
				printVocab(f.Vocab, int(vocabLimit))
			}
			return nil
		},
	}
}

func buildReport(path string, f *mmf.File, withTensors bool, filter string) inspectReport {
	hp := model.HParamsFromFile(f.HParams)
	rep := inspectReport{
		Path:         path,
		Version:      fmt.Sprintf("%d.%d", f.Header.Major, f.Header.Minor),
		Type:         hp.Type(),
		Multilingual: hp.Multilingual,
		FType:        hp.FType.String(),
		HParams:      f.HParams,
		Mels:         f.Filters.NMel,
		FFT:          f.Filters.NFFT,
		Vocab:        len(f.Vocab),
		DTypes:       make(map[string]int),
	}
	for _, t := range f.Tensors {
		rep.DTypes[t.DType.String()]++
		rep.TensorBytes += int64(len(t.Data))
		if !withTensors || (filter != "" && !strings.Contains(t.Name, filter)) {
			continue
		}
		rep.Tensors = append(rep.Tensors, inspectTensor{
			Name:  t.Name,
			DType: t.DType.String(),
			Shape: t.Shape,
			Bytes: len(t.Data),
		})
	}
	return rep
}

func printReport(r inspectReport) {
	section("File")
	row("Path", r.Path)
	row("Format version", r.Version)
	row("Model type", r.Type)
	row("Multilingual", fmt.Sprintf("%t", r.Multilingual))
	row("Weight type", r.FType)

	section("Hyperparameters")
	hp := r.HParams
	rowInt("n_vocab", int(hp.NVocab))
	rowInt("n_audio_ctx", int(hp.NAudioCtx))
	rowInt("n_audio_state", int(hp.NAudioState))
	rowInt("n_audio_head", int(hp.NAudioHead))
	rowInt("n_audio_layer", int(hp.NAudioLayer))
	rowInt("n_text_ctx", int(hp.NTextCtx))
	rowInt("n_text_state", int(hp.NTextState))
	rowInt("n_text_head", int(hp.NTextHead))
	rowInt("n_text_layer", int(hp.NTextLayer))
	rowInt("n_mels", int(hp.NMels))

	section("Contents")
	row("Filterbank", fmt.Sprintf("%d x %d", r.Mels, r.FFT))
	rowInt("Stored tokens", r.Vocab)
	row("Tensor data", formatBytes(uint64(r.TensorBytes)))
	kinds := make([]string, 0, len(r.DTypes))
	for k := range r.DTypes {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		row("Tensors "+k, fmt.Sprintf("%d", r.DTypes[k]))
	}
}

func printTensorIndex(ts []inspectTensor, limit int) {
	section("Tensors")
	for i, t := range ts {
		if limit > 0 && i >= limit {
			fmt.Printf("... %d more\n", len(ts)-limit)
			break
		}
		fmt.Printf("%-40s %-5s %-16s %s\n", t.Name, t.DType, formatShape(t.Shape), formatBytes(uint64(t.Bytes)))
	}
}

func printVocab(tokens []string, limit int) {
	section("Vocab")
	for i, tok := range tokens {
		if limit > 0 && i >= limit {
			fmt.Printf("... %d more\n", len(tokens)-limit)
			break
		}
		fmt.Printf("%6d %q\n", i, tok)
	}
}

func section(title string) {
	line := strings.Repeat("-", len(title)+8)
	fmt.Printf("\n%s\n--- %s ---\n%s\n", line, title, line)
}

func row(label, value string) {
	if value == "" {
		return
	}
	fmt.Printf("%-24s %s\n", label+":", value)
}

func rowInt(label string, v int) {
	if v == 0 {
		return
	}
	row(label, fmt.Sprintf("%d", v))
}

func formatShape(shape []int) string {
	if len(shape) == 0 {
		return "[]"
	}
	parts := make([]string, len(shape))
	for i, v := range shape {
		parts[i] = fmt.Sprintf("%d", v)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b >= gb:
		return fmt.Sprintf("%.2f GiB", float64(b)/float64(gb))
	case b >= mb:
		return fmt.Sprintf("%.2f MiB", float64(b)/float64(mb))
	case b >= kb:
		return fmt.Sprintf("%.2f KiB", float64(b)/float64(kb))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
