package main

import (
	"runtime"

	"github.com/urfave/cli/v3"
)

var (
	modelPath   string
	modelsPath  string
	backendName string
	threads     int64
	logLevel    string
	logFormat   string
	quiet       bool
	debug       bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to .mmf file",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "models-path",
			Aliases:     []string{"path"},
			Usage:       "path to directory containing .mmf models",
			Destination: &modelsPath,
		},
		&cli.StringFlag{
			Name:        "backend",
			Usage:       "execution backend (auto, cpu, simd)",
			Value:       "auto",
			Destination: &backendName,
		},
		&cli.Int64Flag{
			Name:        "threads",
			Aliases:     []string{"t"},
			Usage:       "compute threads per transcription",
			Value:       int64(min(4, runtime.NumCPU())),
			Destination: &threads,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (console, json, text)",
			Value:       "console",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "quiet",
			Aliases:     []string{"q"},
			Usage:       "suppress all log output",
			Destination: &quiet,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
