package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/output"
	"github.com/samcharles93/murmur/internal/whisper"
)

// transcribeOptions holds the flags that may also come from the config file.
type transcribeOptions struct {
	language string
	workers  int64
	beamSize int64
	formats  []string
}

func transcribeCmd() *cli.Command {
	var (
		opts = transcribeOptions{language: "auto", workers: 1, beamSize: 1}

		files          []string
		outputFile     string
		printProgress  bool
		noPrints       bool
		detectLanguage bool
		jobs           int64

		outTXT, outSRT, outVTT, outCSV, outJSON bool
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:        "file",
			Aliases:     []string{"f"},
			Usage:       "input audio file (16 kHz WAV or raw f32le), repeatable",
			Destination: &files,
		},
		&cli.StringFlag{
			Name:        "language",
			Aliases:     []string{"l"},
			Usage:       "spoken language code, or auto to detect",
			Value:       opts.language,
			Destination: &opts.language,
		},
		&cli.BoolFlag{Name: "translate", Aliases: []string{"tr"}, Usage: "translate into English"},
		&cli.Int64Flag{
			Name:        "beam-size",
			Aliases:     []string{"bs"},
			Usage:       "beam width; above 1 selects beam search",
			Value:       opts.beamSize,
			Destination: &opts.beamSize,
		},
		&cli.Int64Flag{Name: "best-of", Aliases: []string{"bo"}, Usage: "candidates sampled when temperature > 0"},
		&cli.Int64Flag{
			Name:        "workers",
			Aliases:     []string{"p"},
			Usage:       "split each input across this many decoders",
			Value:       opts.workers,
			Destination: &opts.workers,
		},
		&cli.Int64Flag{Name: "offset-t", Aliases: []string{"ot"}, Usage: "start offset in ms"},
		&cli.Int64Flag{Name: "duration", Aliases: []string{"d"}, Usage: "duration of audio to process in ms (0 = all)"},
		&cli.Int64Flag{Name: "max-len", Aliases: []string{"ml"}, Usage: "maximum segment length in characters, split on words"},
		&cli.StringFlag{Name: "prompt", Usage: "initial prompt text"},
		&cli.BoolFlag{Name: "no-context", Aliases: []string{"mc"}, Usage: "do not carry text between windows"},
		&cli.BoolFlag{Name: "no-timestamps", Aliases: []string{"nt"}, Usage: "decode without timestamp tokens"},
		&cli.BoolFlag{Name: "token-timestamps", Aliases: []string{"tt"}, Usage: "estimate per-token timestamps"},
		&cli.BoolFlag{Name: "single-segment", Usage: "emit one segment per window"},
		&cli.BoolFlag{Name: "speaker-turn", Aliases: []string{"tdrz"}, Usage: "mark speaker turns"},
		&cli.Float64Flag{Name: "temperature", Aliases: []string{"tp"}, Usage: "initial sampling temperature"},
		&cli.Float64Flag{Name: "temperature-inc", Aliases: []string{"tpi"}, Usage: "temperature step when a window falls back (0 disables fallback)"},
		&cli.Float64Flag{Name: "entropy-thold", Aliases: []string{"et"}, Usage: "fall back when the token entropy is below this"},
		&cli.Float64Flag{Name: "logprob-thold", Aliases: []string{"lpt"}, Usage: "fall back when the average log probability is below this"},
		&cli.Float64Flag{Name: "no-speech-thold", Aliases: []string{"nth"}, Usage: "skip windows whose no-speech probability exceeds this"},
		&cli.Int64Flag{Name: "seed", Usage: "sampler seed"},
		&cli.BoolFlag{Name: "clean-text", Usage: "drop bracketed annotations like [MUSIC]"},
		&cli.BoolFlag{Name: "output-txt", Aliases: []string{"otxt"}, Usage: "write a .txt transcript", Destination: &outTXT},
		&cli.BoolFlag{Name: "output-srt", Aliases: []string{"osrt"}, Usage: "write a .srt transcript", Destination: &outSRT},
		&cli.BoolFlag{Name: "output-vtt", Aliases: []string{"ovtt"}, Usage: "write a .vtt transcript", Destination: &outVTT},
		&cli.BoolFlag{Name: "output-csv", Aliases: []string{"ocsv"}, Usage: "write a .csv transcript", Destination: &outCSV},
		&cli.BoolFlag{Name: "output-json", Aliases: []string{"oj"}, Usage: "write a .json transcript", Destination: &outJSON},
		&cli.StringFlag{Name: "output-file", Aliases: []string{"of"}, Usage: "output path without extension (single input only)", Destination: &outputFile},
		&cli.BoolFlag{Name: "print-progress", Aliases: []string{"pp"}, Usage: "log decoding progress", Destination: &printProgress},
		&cli.BoolFlag{Name: "no-prints", Aliases: []string{"np"}, Usage: "do not print segments to stdout", Destination: &noPrints},
		&cli.BoolFlag{Name: "detect-language", Aliases: []string{"dl"}, Usage: "only detect the spoken language", Destination: &detectLanguage},
		&cli.Int64Flag{Name: "jobs", Aliases: []string{"j"}, Usage: "input files processed at once", Value: 1, Destination: &jobs},
	)

	return &cli.Command{
		Name:      "transcribe",
		Aliases:   []string{"run"},
		Usage:     "Transcribe audio files",
		ArgsUsage: "[audio files...]",
		Flags:     flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyTranscribeConfig(cmd, LoadConfig(), &opts)

			inputs := append(append([]string{}, files...), cmd.Args().Slice()...)
			if len(inputs) == 0 {
				return cli.Exit("error: no input files (use --file or pass paths)", 1)
			}

			formats, err := selectedFormats(opts.formats, map[output.Format]bool{
				output.TXT: outTXT, output.SRT: outSRT, output.VTT: outVTT, output.CSV: outCSV, output.JSON: outJSON,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}

			ropts := requestOptionsFromFlags(cmd)

			lang := opts.language
			th, wk, bs := int(threads), int(opts.workers), int(opts.beamSize)
			req, err := inference.ResolveRequest(ropts, inference.Defaults{
				Language: &lang, Threads: &th, Workers: &wk, BeamSize: &bs,
			})
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			log.Info("loading model", "path", resolved, "backend", backendName)
			loaded, err := inference.Loader{Backend: backendName, Logger: log}.Load(resolved)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()

			job := &transcribeJob{
				engine:        loaded.Engine,
				info:          loaded.Info,
				req:           req,
				formats:       formats,
				outputFile:    outputFile,
				inputs:        len(inputs),
				printProgress: printProgress,
				printSegments: !noPrints,
				log:           log,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(max(1, int(jobs)))
			for _, in := range inputs {
				g.Go(func() error {
					if detectLanguage {
						return job.detect(gctx, in)
					}
					return job.run(gctx, in)
				})
			}
			if err := g.Wait(); err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			return nil
		},
	}
}

// requestOptionsFromFlags collects the decoding flags the user set. Unset
// flags stay nil so config and engine defaults apply.
func requestOptionsFromFlags(cmd *cli.Command) inference.RequestOptions {
	var o inference.RequestOptions
	setInt := func(name string, dst **int) {
		if cmd.IsSet(name) {
			n := int(cmd.Int64(name))
			*dst = &n
		}
	}
	setBool := func(name string, dst **bool) {
		if cmd.IsSet(name) {
			v := cmd.Bool(name)
			*dst = &v
		}
	}
	setFloat := func(name string, dst **float64) {
		if cmd.IsSet(name) {
			v := cmd.Float64(name)
			*dst = &v
		}
	}
	setBool("translate", &o.Translate)
	setInt("best-of", &o.BestOf)
	setInt("offset-t", &o.OffsetMS)
	setInt("duration", &o.DurationMS)
	setInt("max-len", &o.MaxLen)
	setBool("no-context", &o.NoContext)
	setBool("no-timestamps", &o.NoTimestamps)
	setBool("token-timestamps", &o.TokenTimestamps)
	setBool("single-segment", &o.SingleSegment)
	setBool("speaker-turn", &o.SpeakerTurn)
	setBool("clean-text", &o.CleanText)
	setFloat("temperature", &o.Temperature)
	setFloat("temperature-inc", &o.TemperatureInc)
	setFloat("entropy-thold", &o.EntropyThold)
	setFloat("logprob-thold", &o.LogprobThold)
	setFloat("no-speech-thold", &o.NoSpeechThold)
	if cmd.IsSet("prompt") {
		v := cmd.String("prompt")
		o.InitialPrompt = &v
	}
	if cmd.IsSet("seed") {
		v := cmd.Int64("seed")
		o.Seed = &v
	}
	return o
}

// selectedFormats merges explicit output flags with configured defaults.
// Flags win when any is set.
func selectedFormats(configured []string, flags map[output.Format]bool) ([]output.Format, error) {
	var out []output.Format
	for _, f := range output.Formats() {
		if flags[f] {
			out = append(out, f)
		}
	}
	if len(out) > 0 {
		return out, nil
	}
	for _, s := range configured {
		f, err := output.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

type transcribeJob struct {
	engine        inference.Engine
	info          inference.ModelInfo
	req           inference.Request
	formats       []output.Format
	outputFile    string
	inputs        int
	printProgress bool
	printSegments bool
	log           logger.Logger

	stdoutMu sync.Mutex
}

func (j *transcribeJob) run(ctx context.Context, input string) error {
	samples, err := loadAudio(input)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	log := j.log.With("input", filepath.Base(input))
	log.Info("transcribing",
		"seconds", fmt.Sprintf("%.1f", float64(len(samples))/audio.SampleRate),
		"language", j.req.Language,
		"strategy", j.req.Strategy,
		"workers", j.req.Workers,
	)

	req := j.req
	if j.printProgress {
		req.Observer = whisper.ObserverFuncs{
			Progress: func(_ *whisper.State, pct int) { log.Info("progress", "percent", pct) },
		}
	}
	res, err := j.engine.Transcribe(ctx, &req, samples)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if res.Aborted {
		log.Warn("transcription aborted; writing partial result", "segments", res.NSegments())
	}
	log.Info("done",
		"language", res.Language,
		"segments", res.Stats.Segments,
		"elapsed", res.Stats.Duration,
		"rtf", fmt.Sprintf("%.3f", res.Stats.RealTimeFactor),
	)

	if j.printSegments {
		j.printResult(res.Result)
	}

	doc := output.Document{
		SystemInfo: backend.SystemInfo(),
		ModelPath:  j.info.Path,
		Model:      j.info,
		Language:   res.Language,
		Translate:  req.Translate,
		Result:     res.Result,
	}
	base := outputBase(input, j.outputFile, j.inputs)
	for _, f := range j.formats {
		path, err := output.WriteFile(base, f, doc)
		if err != nil {
			return fmt.Errorf("%s: write %s: %w", input, f, err)
		}
		log.Info("wrote transcript", "path", path)
	}
	return nil
}

func (j *transcribeJob) printResult(r *whisper.Result) {
	var b bytes.Buffer
	if j.inputs > 1 {
		b.WriteString("== " + r.Language + " ==\n")
	}
	for _, seg := range r.Segments {
		if j.req.NoTimestamps {
			b.WriteString(seg.Text)
			b.WriteByte('\n')
			continue
		}
		fmt.Fprintf(&b, "[%s --> %s]  %s", output.Timestamp(seg.T0, false), output.Timestamp(seg.T1, false), seg.Text)
		if seg.SpeakerTurn {
			b.WriteString(" [SPEAKER_TURN]")
		}
		b.WriteByte('\n')
	}
	j.stdoutMu.Lock()
	defer j.stdoutMu.Unlock()
	_, _ = os.Stdout.Write(b.Bytes())
}

func (j *transcribeJob) detect(ctx context.Context, input string) error {
	samples, err := loadAudio(input)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	req := j.req
	probs, err := j.engine.DetectLanguage(ctx, &req, samples)
	if err != nil {
		return fmt.Errorf("%s: %w", input, err)
	}
	if len(probs) == 0 {
		return fmt.Errorf("%s: no language candidates", input)
	}
	j.stdoutMu.Lock()
	defer j.stdoutMu.Unlock()
	fmt.Printf("%s: %s (p = %.6f)\n", input, probs[0].Code, probs[0].Prob)
	return nil
}

// loadAudio reads a 16 kHz WAV file, or raw little-endian float32 samples
// for any other extension.
func loadAudio(path string) ([]float32, error) {
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		return audio.ReadWAV(f)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples, err := audio.DecodeF32LE(data)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, errors.New("empty audio")
	}
	return samples, nil
}
