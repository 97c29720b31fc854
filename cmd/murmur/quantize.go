package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/logger"
	"github.com/samcharles93/murmur/internal/model"
	"github.com/samcharles93/murmur/pkg/mmf"
)

func quantizeCmd() *cli.Command {
	var (
		in  string
		out string
		typ string
	)

	return &cli.Command{
		Name:  "quantize",
		Usage: "Rewrite an .mmf model with quantized weight matrices",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "in", Aliases: []string{"i"}, Usage: "source .mmf file", Required: true, Destination: &in},
			&cli.StringFlag{Name: "out", Aliases: []string{"o"}, Usage: "destination .mmf file", Required: true, Destination: &out},
			&cli.StringFlag{Name: "type", Usage: "target weight type (f16, q8_0, q4_0, q4_1)", Value: "q8_0", Destination: &typ},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)

			dt, err := mmf.ParseDType(typ)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}
			log.Info("quantizing", "in", in, "out", out, "type", dt)
			stats, err := model.QuantizeFile(in, out, dt)
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: quantize: %v", err), 1)
			}
			log.Info("quantized",
				"converted", stats.Converted,
				"kept", stats.Kept,
				"size_in", formatBytes(uint64(stats.BytesIn)),
				"size_out", formatBytes(uint64(stats.BytesOut)),
			)
			return nil
		},
	}
}
