//go:build linux && cgo

package nvml

import (
	"fmt"

	gonvml "github.com/NVIDIA/go-nvml/pkg/nvml"
)

// librarySource is the Source backed by libnvidia-ml via go-nvml.
type librarySource struct{}

// NewLibrarySource returns a Source that talks to the installed NVIDIA driver.
func NewLibrarySource() Source {
	return librarySource{}
}

func (librarySource) Init() error {
	return toError(gonvml.Init())
}

func (librarySource) Shutdown() error {
	return toError(gonvml.Shutdown())
}

func (librarySource) DriverVersion() (string, error) {
	v, ret := gonvml.SystemGetDriverVersion()
	return v, toError(ret)
}

func (librarySource) DeviceCount() (int, error) {
	n, ret := gonvml.DeviceGetCount()
	return n, toError(ret)
}

func (librarySource) DeviceByIndex(index int) (Device, error) {
	d, ret := gonvml.DeviceGetHandleByIndex(index)
	if err := toError(ret); err != nil {
		return nil, err
	}
	return libraryDevice{d: d}, nil
}

// toError maps an NVML return code onto a Go error. NOT_SUPPORTED becomes
// ErrNotSupported so callers can tell capability gaps from failures.
func toError(ret gonvml.Return) error {
	switch ret {
	case gonvml.SUCCESS:
		return nil
	case gonvml.ERROR_NOT_SUPPORTED:
		return ErrNotSupported
	default:
		return fmt.Errorf("nvml: %s", gonvml.ErrorString(ret))
	}
}

type libraryDevice struct {
	d gonvml.Device
}

func (l libraryDevice) UUID() (string, error) {
	v, ret := l.d.GetUUID()
	return v, toError(ret)
}

func (l libraryDevice) Name() (string, error) {
	v, ret := l.d.GetName()
	return v, toError(ret)
}

func (l libraryDevice) MinorNumber() (int, error) {
	v, ret := l.d.GetMinorNumber()
	return v, toError(ret)
}

func (l libraryDevice) Temperature() (uint32, error) {
	v, ret := l.d.GetTemperature(gonvml.TEMPERATURE_GPU)
	return v, toError(ret)
}

// FanSpeed reads the first fan.
func (l libraryDevice) FanSpeed() (uint32, error) {
	v, ret := l.d.GetFanSpeed()
	return v, toError(ret)
}

func (l libraryDevice) PowerUsage() (uint32, error) {
	v, ret := l.d.GetPowerUsage()
	return v, toError(ret)
}

func (l libraryDevice) MemoryInfo() (MemoryInfo, error) {
	m, ret := l.d.GetMemoryInfo()
	if err := toError(ret); err != nil {
		return MemoryInfo{}, err
	}
	return MemoryInfo{Total: m.Total, Used: m.Used, Free: m.Free}, nil
}

func (l libraryDevice) UtilizationRates() (Utilization, error) {
	u, ret := l.d.GetUtilizationRates()
	if err := toError(ret); err != nil {
		return Utilization{}, err
	}
	return Utilization{GPU: u.Gpu, Memory: u.Memory}, nil
}

func (l libraryDevice) ClockInfo(clock ClockType) (uint32, error) {
	ct, err := clockType(clock)
	if err != nil {
		return 0, err
	}
	v, ret := l.d.GetClockInfo(ct)
	return v, toError(ret)
}

func (l libraryDevice) MaxClockInfo(clock ClockType) (uint32, error) {
	ct, err := clockType(clock)
	if err != nil {
		return 0, err
	}
	v, ret := l.d.GetMaxClockInfo(ct)
	return v, toError(ret)
}

func (l libraryDevice) PowerManagementLimit() (uint32, error) {
	v, ret := l.d.GetPowerManagementLimit()
	return v, toError(ret)
}

func (l libraryDevice) PowerManagementDefaultLimit() (uint32, error) {
	v, ret := l.d.GetPowerManagementDefaultLimit()
	return v, toError(ret)
}

func (l libraryDevice) PerformanceState() (int, error) {
	p, ret := l.d.GetPerformanceState()
	if err := toError(ret); err != nil {
		return 0, err
	}
	if p == gonvml.PSTATE_UNKNOWN {
		return 0, ErrNotSupported
	}
	return int(p), nil
}

func (l libraryDevice) CurrentPCIeLinkGeneration() (int, error) {
	v, ret := l.d.GetCurrPcieLinkGeneration()
	return v, toError(ret)
}

func (l libraryDevice) CurrentPCIeLinkWidth() (int, error) {
	v, ret := l.d.GetCurrPcieLinkWidth()
	return v, toError(ret)
}

func (l libraryDevice) PCIeThroughput(counter PCIeCounter) (uint32, error) {
	c := gonvml.PCIE_UTIL_TX_BYTES
	if counter == PCIeRx {
		c = gonvml.PCIE_UTIL_RX_BYTES
	}
	v, ret := l.d.GetPcieThroughput(c)
	return v, toError(ret)
}

func (l libraryDevice) EncoderUtilization() (uint32, error) {
	v, _, ret := l.d.GetEncoderUtilization()
	return v, toError(ret)
}

func (l libraryDevice) DecoderUtilization() (uint32, error) {
	v, _, ret := l.d.GetDecoderUtilization()
	return v, toError(ret)
}

func (l libraryDevice) TotalECCErrors(errorType ECCErrorType) (uint64, error) {
	t := gonvml.MEMORY_ERROR_TYPE_CORRECTED
	if errorType == ECCUncorrected {
		t = gonvml.MEMORY_ERROR_TYPE_UNCORRECTED
	}
	v, ret := l.d.GetTotalEccErrors(t, gonvml.AGGREGATE_ECC)
	return v, toError(ret)
}

func (l libraryDevice) ComputeProcessCount() (int, error) {
	procs, ret := l.d.GetComputeRunningProcesses()
	return len(procs), toError(ret)
}

func (l libraryDevice) GraphicsProcessCount() (int, error) {
	procs, ret := l.d.GetGraphicsRunningProcesses()
	return len(procs), toError(ret)
}

func clockType(c ClockType) (gonvml.ClockType, error) {
	switch c {
	case ClockGraphics:
		return gonvml.CLOCK_GRAPHICS, nil
	case ClockSM:
		return gonvml.CLOCK_SM, nil
	case ClockMemory:
		return gonvml.CLOCK_MEM, nil
	default:
		return 0, fmt.Errorf("nvml: unknown clock type %d", c)
	}
}
