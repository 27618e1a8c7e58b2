package dist

import (
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// A Device is a compute device that a rank can be bound
// to.
type Device struct {
	Index int
	Name  string
}

// Devices lists the compute devices of this machine.
//
// Ranks train on CPU cores, so each physical core counts
// as one device.
func Devices() []Device {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	name := cpuid.CPU.BrandName
	if name == "" {
		name = runtime.GOARCH
	}
	res := make([]Device, n)
	for i := range res {
		res[i] = Device{Index: i, Name: name}
	}
	return res
}

// DeviceFor returns the device that a rank is bound to.
func DeviceFor(rank int) Device {
	devices := Devices()
	return devices[rank%len(devices)]
}

// FastMath reports whether the CPU has wide vector units,
// which is logged next to the device binding.
func FastMath() bool {
	return cpuid.CPU.Supports(cpuid.AVX2, cpuid.FMA3)
}
