// cpu_features reports what the murmur backends will dispatch to on this
// host. Run with: go run ./scripts
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/goccy/go-json"

	"github.com/samcharles93/murmur/internal/backend"
	"github.com/samcharles93/murmur/internal/backend/simd"
)

type report struct {
	GoVersion  string          `json:"go_version"`
	GoOS       string          `json:"go_os"`
	GoArch     string          `json:"go_arch"`
	CPUs       int             `json:"cpus"`
	Backends   string          `json:"backends"`
	SystemInfo string          `json:"system_info"`
	SIMD       bool            `json:"simd_backend"`
	Features   map[string]bool `json:"features"`
}

func main() {
	f := simd.Features()
	out := report{
		GoVersion:  runtime.Version(),
		GoOS:       runtime.GOOS,
		GoArch:     runtime.GOARCH,
		CPUs:       runtime.NumCPU(),
		Backends:   backend.Available(),
		SystemInfo: backend.SystemInfo(),
		SIMD:       simd.Available(),
		Features: map[string]bool{
			"AVX2": f.HasAVX2,
			"FMA":  f.HasFMA,
			"NEON": f.HasNEON,
		},
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}
