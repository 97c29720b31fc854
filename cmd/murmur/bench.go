package main

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/audio"
	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		seconds    float64
		workers    int64
		beamSize   int64
	)

	flags := append([]cli.Flag{}, commonModelFlags()...)
	flags = append(flags,
		&cli.Int64Flag{Name: "warmup", Usage: "number of warmup runs", Value: 1, Destination: &warmupRuns},
		&cli.Int64Flag{Name: "runs", Usage: "number of benchmark runs", Value: 3, Destination: &benchRuns},
		&cli.Float64Flag{Name: "seconds", Aliases: []string{"s"}, Usage: "length of the synthetic input", Value: 30, Destination: &seconds},
		&cli.Int64Flag{Name: "workers", Aliases: []string{"p"}, Usage: "decoders per run", Value: 1, Destination: &workers},
		&cli.Int64Flag{Name: "beam-size", Usage: "beam width", Value: 1, Destination: &beamSize},
	)

	return &cli.Command{
		Name:    "bench",
		Aliases: []string{"benchmark"},
		Usage:   "Measure encode and decode throughput on synthetic audio",
		Flags:   flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyModelConfig(cmd, LoadConfig())

			resolved, err := resolveModelPath(modelPath, modelsPath, os.Stdin, os.Stderr)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: resolve model: %v", err), 1)
			}
			if seconds <= 0 || benchRuns <= 0 {
				return cli.Exit("error: --seconds and --runs must be positive", 1)
			}

			log.Info("loading model for benchmark", "path", resolved)
			loadStart := time.Now()
			loaded, err := inference.Loader{Backend: backendName, Logger: log}.Load(resolved)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: load model: %v", err), 1)
			}
			defer func() { _ = loaded.Engine.Close() }()
			loadDuration := time.Since(loadStart)

			// Forced English keeps language detection out of the timings.
			lang := "en"
			if !loaded.Info.Multilingual {
				lang = "auto"
			}
			th, wk, bs := int(threads), int(workers), int(beamSize)
			noContext := true
			req, err := inference.ResolveRequest(
				inference.RequestOptions{NoContext: &noContext},
				inference.Defaults{Language: &lang, Threads: &th, Workers: &wk, BeamSize: &bs},
			)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			samples := syntheticSpeech(seconds)

			info := loaded.Info
			fmt.Println("=== Murmur Benchmark ===")
			fmt.Printf("Model:      %s (%s, %s)\n", resolved, info.Type, info.FType)
			fmt.Printf("Backend:    %s\n", info.Backend)
			fmt.Printf("System:     %s\n", backend.SystemInfo())
			fmt.Printf("CPUs:       %d\n", runtime.NumCPU())
			fmt.Printf("Threads:    %d\n", req.Threads)
			fmt.Printf("Workers:    %d\n", req.Workers)
			fmt.Printf("Strategy:   %s\n", req.Strategy)
			fmt.Printf("Load:       %s\n", loadDuration.Round(time.Millisecond))
			fmt.Printf("Input:      %.1f s\n", seconds)
			fmt.Println()

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, err := loaded.Engine.Transcribe(ctx, &req, samples); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %10s %10s %10s %10s %10s %8s\n", "Run", "Mel", "Encode", "Decode", "Total", "Wall", "RTF")
			var sumWall time.Duration
			var sumRTF float64
			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				res, err := loaded.Engine.Transcribe(ctx, &req, samples)
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				t := res.Timings
				fmt.Printf("%-6d %10s %10s %10s %10s %10s %8.3f\n", i+1,
					t.Mel.Round(time.Millisecond), t.Encode.Round(time.Millisecond),
					t.Decode.Round(time.Millisecond), t.Total().Round(time.Millisecond),
					res.Stats.Duration.Round(time.Millisecond), res.Stats.RealTimeFactor)
				sumWall += res.Stats.Duration
				sumRTF += res.Stats.RealTimeFactor
			}
			n := float64(benchRuns)
			fmt.Printf("\n%-6s %54s %8.3f\n", "Avg", (sumWall / time.Duration(benchRuns)).Round(time.Millisecond), sumRTF/n)

			var mem runtime.MemStats
			runtime.ReadMemStats(&mem)
			fmt.Printf("\nMemory: %.1f MB alloc, %.1f MB sys, model %s\n",
				float64(mem.Alloc)/(1024*1024),
				float64(mem.Sys)/(1024*1024),
				formatBytes(uint64(info.MemoryBytes)))
			return nil
		},
	}
}

// syntheticSpeech is amplitude-modulated harmonics with light noise, so
// the energy gate never skips windows.
func syntheticSpeech(seconds float64) []float32 {
	n := int(seconds * audio.SampleRate)
	out := make([]float32, n)
	rng := rand.New(rand.NewPCG(1, 2))
	for i := range out {
		t := float64(i) / audio.SampleRate
		env := 0.5 + 0.5*math.Sin(2*math.Pi*3*t)
		v := 0.3*math.Sin(2*math.Pi*180*t) + 0.15*math.Sin(2*math.Pi*360*t) + 0.05*math.Sin(2*math.Pi*720*t)
		out[i] = float32(env*v + 0.01*rng.NormFloat64())
	}
	return out
}
