package main

import (
	"context"
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/version"
)

type versionReport struct {
	Version   string `json:"version"`
	Commit    string `json:"commit,omitempty"`
	BuildTime string `json:"build_time,omitempty"`
	Modified  bool   `json:"modified,omitempty"`
	Go        string `json:"go,omitempty"`
	Platform  string `json:"platform"`
	Backends  string `json:"backends"`
	System    string `json:"system"`
}

func versionCmd() *cli.Command {
	var asJSON bool
	return &cli.Command{
		Name:  "version",
		Usage: "Print version, build and backend information",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "print as JSON", Destination: &asJSON},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			info := version.Resolve()
			rep := versionReport{
				Version:   version.String(),
				Commit:    info.Commit,
				BuildTime: info.BuildTime,
				Modified:  info.Modified,
				Go:        info.GoVersion,
				Platform:  runtime.GOOS + "/" + runtime.GOARCH,
				Backends:  backend.Available(),
				System:    backend.SystemInfo(),
			}
			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(rep)
			}
			row := func(k, v string) {
				if v != "" {
					fmt.Printf("%-11s %s\n", k+":", v)
				}
			}
			row("version", rep.Version)
			row("commit", rep.Commit)
			row("built", rep.BuildTime)
			row("go", rep.Go)
			row("platform", rep.Platform)
			row("backends", rep.Backends)
			row("system", rep.System)
			return nil
		},
	}
}
