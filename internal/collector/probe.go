package collector

import "github.com/kubeadapt/nvidia-gpu-exporter/internal/nvml"

// optionalProbe reads one capability-dependent field. A read error means the
// capability is unsupported and the field stays nil.
type optionalProbe struct {
	field string
	read  func(nvml.Device) (float64, error)
	set   func(*Device, *float64)
}

func clockProbe(field string, clock nvml.ClockType, maxClock bool, set func(*Device, *float64)) optionalProbe {
	return optionalProbe{
		field: field,
		read: func(d nvml.Device) (float64, error) {
			var v uint32
			var err error
			if maxClock {
				v, err = d.MaxClockInfo(clock)
			} else {
				v, err = d.ClockInfo(clock)
			}
			return float64(v), err
		},
		set: set,
	}
}

var optionalProbes = []optionalProbe{
	clockProbe("clock_graphics", nvml.ClockGraphics, false, func(d *Device, v *float64) { d.ClockGraphics = v }),
	clockProbe("clock_sm", nvml.ClockSM, false, func(d *Device, v *float64) { d.ClockSM = v }),
	clockProbe("clock_memory", nvml.ClockMemory, false, func(d *Device, v *float64) { d.ClockMemory = v }),
	clockProbe("clock_graphics_max", nvml.ClockGraphics, true, func(d *Device, v *float64) { d.ClockGraphicsMax = v }),
	clockProbe("clock_sm_max", nvml.ClockSM, true, func(d *Device, v *float64) { d.ClockSMMax = v }),
	clockProbe("clock_memory_max", nvml.ClockMemory, true, func(d *Device, v *float64) { d.ClockMemoryMax = v }),
	{
		field: "power_limit",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.PowerManagementLimit()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PowerLimit = v },
	},
	{
		field: "power_limit_default",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.PowerManagementDefaultLimit()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PowerLimitDefault = v },
	},
	{
		field: "performance_state",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.PerformanceState()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PerformanceState = v },
	},
	{
		field: "pcie_link_gen",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.CurrentPCIeLinkGeneration()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PCIeLinkGen = v },
	},
	{
		field: "pcie_link_width",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.CurrentPCIeLinkWidth()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PCIeLinkWidth = v },
	},
	{
		field: "pcie_tx_throughput",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.PCIeThroughput(nvml.PCIeTx)
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PCIeTxThroughput = v },
	},
	{
		field: "pcie_rx_throughput",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.PCIeThroughput(nvml.PCIeRx)
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.PCIeRxThroughput = v },
	},
	{
		field: "encoder_utilization",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.EncoderUtilization()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.EncoderUtilization = v },
	},
	{
		field: "decoder_utilization",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.DecoderUtilization()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.DecoderUtilization = v },
	},
	{
		field: "ecc_errors_corrected",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.TotalECCErrors(nvml.ECCCorrected)
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.ECCErrorsCorrected = v },
	},
	{
		field: "ecc_errors_uncorrected",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.TotalECCErrors(nvml.ECCUncorrected)
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.ECCErrorsUncorrected = v },
	},
	{
		field: "compute_processes",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.ComputeProcessCount()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.ComputeProcesses = v },
	},
	{
		field: "graphics_processes",
		read: func(d nvml.Device) (float64, error) {
			v, err := d.GraphicsProcessCount()
			return float64(v), err
		},
		set: func(d *Device, v *float64) { d.GraphicsProcesses = v },
	},
}
