package async

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// HostInfo describes the CPU the run executes on.
type HostInfo struct {
	Brand         string
	Vendor        string
	LogicalCores  int
	PhysicalCores int
	AVX2          bool
	AVX512        bool
}

// DetectHost reads the CPU inventory. LogicalCores falls back to
// runtime.NumCPU when cpuid cannot tell.
func DetectHost() HostInfo {
	h := HostInfo{
		Brand:         cpuid.CPU.BrandName,
		Vendor:        cpuid.CPU.VendorString,
		LogicalCores:  cpuid.CPU.LogicalCores,
		PhysicalCores: cpuid.CPU.PhysicalCores,
		AVX2:          cpuid.CPU.Supports(cpuid.AVX2),
		AVX512:        cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ),
	}
	if h.LogicalCores <= 0 {
		h.LogicalCores = runtime.NumCPU()
	}
	if h.Brand == "" {
		h.Brand = "unknown"
	}
	return h
}

// Oversubscribed reports whether workers exceeds the logical core count.
func (h HostInfo) Oversubscribed(workers int) bool {
	return h.LogicalCores > 0 && workers > h.LogicalCores
}
