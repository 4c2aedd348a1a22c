package collector

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strconv"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/nvml"
)

const component = "collector"

// Collector produces one Metrics snapshot per call.
type Collector interface {
	Collect(ctx context.Context) (*Metrics, error)
}

// NVMLCollector reads a snapshot from an nvml.Source. Access to the source is
// serialized: NVML is not assumed safe for concurrent queries, so concurrent
// scrapes take turns.
type NVMLCollector struct {
	source nvml.Source
	// lock is a one-slot semaphore so waiting for the source can honour ctx.
	lock chan struct{}
}

// NewNVMLCollector creates a collector over source.
func NewNVMLCollector(source nvml.Source) *NVMLCollector {
	return &NVMLCollector{
		source: source,
		lock:   make(chan struct{}, 1),
	}
}

type result struct {
	metrics *Metrics
	err     error
}

// Collect queries the source once. Any failure to initialise or enumerate,
// and any mandatory field failure on any device, fails the whole collection.
// Optional fields that cannot be read are left nil.
//
// When ctx reaches its deadline before the hardware round trip finishes,
// Collect returns a TIMEOUT error. When ctx is cancelled by the caller it
// returns ctx.Err() unwrapped: the caller gave up, the hardware did not fail.
// In both cases the round trip keeps running in the background and holds the
// source until the library call returns.
func (c *NVMLCollector) Collect(ctx context.Context) (*Metrics, error) {
	if ctx.Err() != nil {
		return nil, contextError(ctx)
	}

	select {
	case c.lock <- struct{}{}:
	case <-ctx.Done():
		return nil, contextError(ctx)
	}

	done := make(chan result, 1)
	go func() {
		defer func() { <-c.lock }()
		m, err := c.collect()
		done <- result{metrics: m, err: err}
	}()

	select {
	case r := <-done:
		return r.metrics, r.err
	case <-ctx.Done():
		err := contextError(ctx)
		if errors.HasCode(err, errors.ErrTimeout) {
			slog.Warn("collector: hardware query did not finish in time", "error", ctx.Err())
		}
		return nil, err
	}
}

// contextError classifies a finished ctx. Only a deadline is a TIMEOUT.
func contextError(ctx context.Context) error {
	err := ctx.Err()
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.New(errors.ErrTimeout, component, err)
	}
	return err
}

func (c *NVMLCollector) collect() (*Metrics, error) {
	if err := c.source.Init(); err != nil {
		return nil, errors.New(errors.ErrSourceUnavailable, component, err)
	}
	defer func() {
		if err := c.source.Shutdown(); err != nil {
			slog.Debug("collector: nvml shutdown failed", "error", err)
		}
	}()

	version, err := c.source.DriverVersion()
	if err != nil {
		return nil, errors.New(errors.ErrSourceUnavailable, component, err)
	}

	count, err := c.source.DeviceCount()
	if err != nil {
		return nil, errors.New(errors.ErrSourceUnavailable, component, err)
	}

	devices := make([]Device, 0, count)
	for i := 0; i < count; i++ {
		handle, err := c.source.DeviceByIndex(i)
		if err != nil {
			return nil, errors.DeviceField(errors.ErrMandatoryField, component, strconv.Itoa(i), "handle", err)
		}
		dev, err := readDevice(i, handle)
		if err != nil {
			return nil, err
		}
		devices = append(devices, dev)
	}

	m := &Metrics{Version: version, Devices: devices}
	if err := m.Validate(); err != nil {
		return nil, errors.New(errors.ErrInvalidSnapshot, component, err)
	}
	return m, nil
}

// readDevice reads identity, mandatory and optional fields for one device.
func readDevice(index int, h nvml.Device) (Device, error) {
	dev := Device{Index: strconv.Itoa(index)}
	fail := func(field string, err error) error {
		return errors.DeviceField(errors.ErrMandatoryField, component, dev.Index, field, err)
	}

	var err error
	if dev.UUID, err = h.UUID(); err != nil {
		return Device{}, fail("uuid", err)
	}
	if dev.Name, err = h.Name(); err != nil {
		return Device{}, fail("name", err)
	}
	minor, err := h.MinorNumber()
	if err != nil {
		return Device{}, fail("minor_number", err)
	}
	dev.MinorNumber = strconv.Itoa(minor)

	temp, err := h.Temperature()
	if err != nil {
		return Device{}, fail("temperature", err)
	}
	dev.Temperature = float64(temp)

	power, err := h.PowerUsage()
	if err != nil {
		return Device{}, fail("power_usage", err)
	}
	dev.PowerUsage = float64(power)
	// NVML has no averaged reading; the instantaneous value is reported.
	dev.PowerUsageAverage = dev.PowerUsage

	// Passively cooled boards have no fan; report 0 rather than fail the scrape.
	fan, err := h.FanSpeed()
	if err != nil {
		slog.Debug("collector: fan speed unavailable", "device", dev.Index, "error", err)
		fan = 0
	}
	dev.FanSpeed = float64(fan)

	mem, err := h.MemoryInfo()
	if err != nil {
		return Device{}, fail("memory_info", err)
	}
	dev.MemoryTotal = float64(mem.Total)
	dev.MemoryUsed = float64(mem.Used)

	util, err := h.UtilizationRates()
	if err != nil {
		return Device{}, fail("utilization", err)
	}
	dev.UtilizationGPU = float64(util.GPU)
	dev.UtilizationMemory = float64(util.Memory)
	dev.UtilizationGPUAverage = dev.UtilizationGPU

	for _, p := range optionalProbes {
		v, err := p.read(h)
		if err != nil {
			slog.Debug("collector: optional field unsupported",
				"device", dev.Index,
				"field", p.field,
				"error", err,
			)
			continue
		}
		p.set(&dev, &v)
	}

	return dev, nil
}
