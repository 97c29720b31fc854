package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/logger"
)

// setupLogging builds the command logger and routes engine records
// through the same handler.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg := LoadConfig()
	if cfg.LogLevel != "" && !cmd.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !cmd.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}

	if quiet {
		logger.InstallSink(logger.Discard)
		return logger.WithContext(ctx, logger.Nop()), nil
	}
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	h, err := logger.NewHandler(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	logger.InstallSink(logger.HandlerSink(h))
	return logger.WithContext(ctx, logger.New(h)), nil
}
