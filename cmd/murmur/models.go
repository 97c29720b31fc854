package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/pkg/mmf"
)

func listModelsCmd() *cli.Command {
	return &cli.Command{
		Name:    "list-models",
		Aliases: []string{"ls", "models"},
		Usage:   "List available .mmf models",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "models-path",
				Aliases:     []string{"path"},
				Usage:       "path to directory containing .mmf models",
				Destination: &modelsPath,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			if cfg := LoadConfig(); cfg.ModelsDir != "" && !cmd.IsSet("models-path") {
				modelsPath = cfg.ModelsDir
			}

			dir := resolveModelsDir(modelsPath)
			if dir == "" {
				return cli.Exit(fmt.Sprintf("error: --models-path is required unless %s is set", envModelsDir), 1)
			}

			models, err := discoverModels(dir)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			if len(models) == 0 {
				log.Info("no models found", "path", dir)
				return nil
			}

			fmt.Printf("Models in %s:\n\n", dir)
			for _, m := range models {
				name := filepath.Base(m)
				info, err := os.Stat(m)
				if err != nil {
					fmt.Printf("  %s\n", name)
					continue
				}
				fmt.Printf("  %-40s %10s  %s\n", name, formatBytes(uint64(info.Size())), describeModel(m))
			}
			fmt.Printf("\n%d model(s) found\n", len(models))
			return nil
		},
	}
}

// describeModel summarizes the header of an .mmf file, or its open error.
func describeModel(path string) string {
	f, err := mmf.Open(path)
	if err != nil {
		return fmt.Sprintf("(unreadable: %v)", err)
	}
	defer func() { _ = f.Close() }()
	hp := model.HParamsFromFile(f.HParams)
	lang := "en"
	if hp.Multilingual {
		lang = "multilingual"
	}
	return fmt.Sprintf("(%s, %s, %s)", hp.Type(), lang, hp.FType)
}
