package collector

import "fmt"

// Metrics is one scrape's worth of NVML readings. It is built fresh for every
// collection and never merged with earlier snapshots.
type Metrics struct {
	Version string
	Devices []Device
}

// Device holds the readings for one GPU. MinorNumber is the label used for
// every per-device series.
//
// Optional fields are nil when the device or driver does not support the
// query; nil is never replaced by a sentinel number at this layer.
type Device struct {
	Index       string
	MinorNumber string
	UUID        string
	Name        string

	Temperature float64 // Celsius
	FanSpeed    float64 // percent

	PowerUsage        float64 // milliwatts
	PowerUsageAverage float64 // milliwatts

	MemoryTotal       float64 // bytes
	MemoryUsed        float64 // bytes
	UtilizationMemory float64 // percent

	UtilizationGPU        float64 // percent
	UtilizationGPUAverage float64 // percent

	ClockGraphics    *float64 // MHz
	ClockSM          *float64
	ClockMemory      *float64
	ClockGraphicsMax *float64
	ClockSMMax       *float64
	ClockMemoryMax   *float64

	PowerLimit        *float64 // milliwatts
	PowerLimitDefault *float64

	// PerformanceState is the P-state index, 0 (max performance) to 15.
	PerformanceState *float64

	PCIeLinkGen      *float64
	PCIeLinkWidth    *float64 // lanes
	PCIeTxThroughput *float64 // KB/s
	PCIeRxThroughput *float64

	EncoderUtilization *float64 // percent
	DecoderUtilization *float64

	ECCErrorsCorrected   *float64
	ECCErrorsUncorrected *float64

	ComputeProcesses  *float64
	GraphicsProcesses *float64
}

// Validate checks the invariants of a single device reading.
func (d *Device) Validate() error {
	if d.MinorNumber == "" {
		return fmt.Errorf("device %s: empty minor number", d.Index)
	}
	if d.MemoryUsed > d.MemoryTotal {
		return fmt.Errorf("device %s: memory used %.0f exceeds total %.0f", d.Index, d.MemoryUsed, d.MemoryTotal)
	}
	return nil
}

// Validate checks every device and that minor numbers are unique.
func (m *Metrics) Validate() error {
	seen := make(map[string]string, len(m.Devices))
	for i := range m.Devices {
		d := &m.Devices[i]
		if err := d.Validate(); err != nil {
			return err
		}
		if other, ok := seen[d.MinorNumber]; ok {
			return fmt.Errorf("devices %s and %s share minor number %s", other, d.Index, d.MinorNumber)
		}
		seen[d.MinorNumber] = d.Index
	}
	return nil
}
