package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/api"
	"github.com/samcharles93/murmur/internal/inference"
	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/version"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		keepAlive   string
		maxLoaded   int64
		resultTTL   time.Duration
		resultCap   int64
		maxUpload   int64
		language    string
		workers     int64
		beamSize    int64
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the transcription REST API",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.StringFlag{
				Name:        "keep-alive",
				Usage:       "how long an idle model stays loaded (0 = forever)",
				Value:       "5m",
				Destination: &keepAlive,
			},
			&cli.Int64Flag{
				Name:        "max-loaded",
				Usage:       "maximum resident models (0 = unlimited)",
				Destination: &maxLoaded,
			},
			&cli.DurationFlag{
				Name:        "result-ttl",
				Usage:       "how long identical requests reuse a transcript (negative disables)",
				Value:       10 * time.Minute,
				Destination: &resultTTL,
			},
			&cli.Int64Flag{
				Name:        "result-capacity",
				Usage:       "maximum cached transcripts",
				Value:       256,
				Destination: &resultCap,
			},
			&cli.Int64Flag{
				Name:        "max-upload",
				Usage:       "maximum request body in bytes",
				Value:       api.DefaultMaxUploadBytes,
				Destination: &maxUpload,
			},
			&cli.StringFlag{
				Name:        "language",
				Aliases:     []string{"l"},
				Usage:       "default language when a request omits it",
				Value:       "auto",
				Destination: &language,
			},
			&cli.Int64Flag{
				Name:        "workers",
				Aliases:     []string{"p"},
				Usage:       "default decoders per request",
				Value:       1,
				Destination: &workers,
			},
			&cli.Int64Flag{
				Name:        "beam-size",
				Usage:       "default beam width",
				Value:       1,
				Destination: &beamSize,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr, &keepAlive)
			if cfg.Language != nil && !cmd.IsSet("language") {
				language = *cfg.Language
			}
			if cfg.Workers != nil && !cmd.IsSet("workers") {
				workers = *cfg.Workers
			}
			if cfg.BeamSize != nil && !cmd.IsSet("beam-size") {
				beamSize = *cfg.BeamSize
			}

			ttl, err := time.ParseDuration(keepAlive)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: invalid --keep-alive %q: %v", keepAlive, err), 1)
			}

			metrics := api.NewMetrics()
			provider := api.NewCachedEngineProvider(api.EngineProviderConfig{
				DefaultModelPath: modelPath,
				ModelsPath:       modelsPath,
				KeepAlive:        ttl,
				MaxLoaded:        uint64(max(0, maxLoaded)),
				Loader:           inference.Loader{Backend: backendName, Logger: log},
				Logger:           log,
				Metrics:          metrics,
			})
			defer func() { _ = provider.Close() }()

			th, wk, bs := int(threads), int(workers), int(beamSize)
			server := api.NewServer(api.ServerConfig{
				Provider:       provider,
				Defaults:       inference.Defaults{Language: &language, Threads: &th, Workers: &wk, BeamSize: &bs},
				Metrics:        metrics,
				Logger:         log,
				ResultTTL:      resultTTL,
				ResultCapacity: uint64(max(0, resultCap)),
				MaxUploadBytes: maxUpload,
			})
			defer server.Close()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "version", version.String(), "keep_alive", ttl, "backend", backendName)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
