// Package nvml defines the narrow view of the NVIDIA Management Library that
// the collector depends on.
//
// Source and Device are interfaces so tests can substitute a fake for real
// hardware. The production implementation wraps github.com/NVIDIA/go-nvml and
// is only available on linux builds with cgo enabled; other builds get a
// Source whose Init always fails, which the exporter reports as up=0.
package nvml

import "errors"

// ErrNotSupported is returned by Device queries the device or driver does not implement.
var ErrNotSupported = errors.New("nvml: not supported")

// ClockType selects which clock domain a clock query reads.
type ClockType int

// Clock domains.
const (
	ClockGraphics ClockType = iota
	ClockSM
	ClockMemory
)

func (c ClockType) String() string {
	switch c {
	case ClockGraphics:
		return "graphics"
	case ClockSM:
		return "sm"
	case ClockMemory:
		return "memory"
	default:
		return "unknown"
	}
}

// PCIeCounter selects the direction of a PCIe throughput query.
type PCIeCounter int

// PCIe throughput directions.
const (
	PCIeTx PCIeCounter = iota
	PCIeRx
)

// ECCErrorType selects corrected or uncorrected ECC error counts.
type ECCErrorType int

// ECC error types.
const (
	ECCCorrected ECCErrorType = iota
	ECCUncorrected
)

// MemoryInfo is framebuffer memory in bytes.
type MemoryInfo struct {
	Total uint64
	Used  uint64
	Free  uint64
}

// Utilization is the percentage of time over the last sample period the GPU
// and its memory controller were busy.
type Utilization struct {
	GPU    uint32
	Memory uint32
}

// Source is the library-level entry point. Init must succeed before any other
// call; Shutdown releases the library after a collection.
type Source interface {
	Init() error
	Shutdown() error
	DriverVersion() (string, error)
	DeviceCount() (int, error)
	DeviceByIndex(index int) (Device, error)
}

// Device exposes the per-device queries. Units follow NVML: milliwatts for
// power, bytes for memory, MHz for clocks, KB/s for PCIe throughput.
type Device interface {
	UUID() (string, error)
	Name() (string, error)
	MinorNumber() (int, error)

	Temperature() (uint32, error)
	FanSpeed() (uint32, error)
	PowerUsage() (uint32, error)
	MemoryInfo() (MemoryInfo, error)
	UtilizationRates() (Utilization, error)

	ClockInfo(clock ClockType) (uint32, error)
	MaxClockInfo(clock ClockType) (uint32, error)
	PowerManagementLimit() (uint32, error)
	PowerManagementDefaultLimit() (uint32, error)
	PerformanceState() (int, error)
	CurrentPCIeLinkGeneration() (int, error)
	CurrentPCIeLinkWidth() (int, error)
	PCIeThroughput(counter PCIeCounter) (uint32, error)
	EncoderUtilization() (uint32, error)
	DecoderUtilization() (uint32, error)
	TotalECCErrors(errorType ECCErrorType) (uint64, error)
	ComputeProcessCount() (int, error)
	GraphicsProcessCount() (int, error)
}
