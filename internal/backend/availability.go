package backend

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// SystemInfo describes the host features relevant to backend selection.
func SystemInfo() string {
	var feats []string
	add := func(ok bool, name string) {
		if ok {
			feats = append(feats, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasAVX, "AVX")
		add(cpu.X86.HasAVX2, "AVX2")
		add(cpu.X86.HasFMA, "FMA")
		add(cpu.X86.HasAVX512F, "AVX512F")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "NEON")
		add(cpu.ARM64.HasFPHP, "FP16")
	}
	if len(feats) == 0 {
		feats = append(feats, "none")
	}
	return fmt.Sprintf("arch=%s cpus=%d features=%s backends=%s",
		runtime.GOARCH, runtime.NumCPU(), strings.Join(feats, "|"), Available())
}
