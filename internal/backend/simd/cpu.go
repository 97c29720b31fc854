// Package simd is an accelerated backend for matrix products and
// elementwise ops. Other ops are left to the reference backend.
package simd

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// CPUFeatures holds detected CPU capabilities, checked once at init.
type CPUFeatures struct {
	HasAVX2 bool
	HasFMA  bool
	HasNEON bool
}

var features CPUFeatures

func init() {
	features.HasAVX2 = cpu.X86.HasAVX2
	features.HasFMA = cpu.X86.HasFMA
	features.HasNEON = runtime.GOARCH == "arm64" && cpu.ARM64.HasASIMD
}

// Features returns the detected capabilities.
func Features() CPUFeatures { return features }

// Available reports whether the host has vector units worth dispatching to.
func Available() bool { return features.HasAVX2 || features.HasNEON }
