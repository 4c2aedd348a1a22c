// Package exporter maps collector snapshots onto the fixed catalogue of
// nvidia_* gauge families and returns them for exposition.
package exporter

import (
	"context"
	stderrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/collector"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/observability"
)

const (
	namespace = "nvidia"

	// UnavailableVersion is the driver_info version label reported when collection fails.
	UnavailableVersion = "unavailable"

	minorLabel = "minor"
)

// deviceGauge is one per-device family keyed by the minor label.
type deviceGauge struct {
	name  string
	vec   *prometheus.GaugeVec
	value func(*collector.Device) float64
}

// Exporter owns the series catalogue. It is safe for concurrent use: the
// series update and the read that follows run under one lock, so a gather
// never mixes values from two snapshots.
type Exporter struct {
	collector collector.Collector
	metrics   *observability.Metrics
	recorder  *errors.Recorder
	registry  *prometheus.Registry

	timeout time.Duration
	state   *StateMachine

	mu sync.Mutex

	up          prometheus.Gauge
	deviceCount prometheus.Gauge
	driverInfo  *prometheus.GaugeVec
	deviceInfo  *prometheus.GaugeVec
	devices     []deviceGauge
}

// Option configures an Exporter.
type Option func(*Exporter)

// WithTimeout bounds each collection. Zero means no bound beyond the
// caller's context.
func WithTimeout(d time.Duration) Option {
	return func(e *Exporter) { e.timeout = d }
}

// WithClock sets the clock used for state transition times.
func WithClock(clock errors.Clock) Option {
	return func(e *Exporter) { e.state = NewStateMachine(clock) }
}

// New creates an Exporter over c and registers the catalogue on a private registry.
func New(c collector.Collector, metrics *observability.Metrics, recorder *errors.Recorder, opts ...Option) *Exporter {
	e := &Exporter{
		collector: c,
		metrics:   metrics,
		recorder:  recorder,
		registry:  prometheus.NewRegistry(),
		state:     NewStateMachine(errors.RealClock{}),

		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "up",
			Help:      "NVML Metric Collection Operational",
		}),
		deviceCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "device_count",
			Help:      "Count of found nvidia devices",
		}),
		driverInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "driver_info",
			Help:      "NVML Info",
		}, []string{"version"}),
		deviceInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Info as reported by the device",
		}, []string{"index", minorLabel, "uuid", "name"}),
	}

	e.devices = []deviceGauge{
		e.gauge("temperatures", "Temperature as reported by the device", func(d *collector.Device) float64 { return d.Temperature }),
		e.gauge("power_usage", "Power usage as reported by the device", func(d *collector.Device) float64 { return d.PowerUsage }),
		e.gauge("power_usage_average", "Power usage as reported by the device averaged over 10s", func(d *collector.Device) float64 { return d.PowerUsageAverage }),
		e.gauge("fanspeed", "Fan speed as reported by the device", func(d *collector.Device) float64 { return d.FanSpeed }),
		e.gauge("memory_total", "Total memory as reported by the device", func(d *collector.Device) float64 { return d.MemoryTotal }),
		e.gauge("memory_used", "Used memory as reported by the device", func(d *collector.Device) float64 { return d.MemoryUsed }),
		e.gauge("utilization_memory", "Memory Utilization as reported by the device", func(d *collector.Device) float64 { return d.UtilizationMemory }),
		e.gauge("utilization_gpu", "GPU utilization as reported by the device", func(d *collector.Device) float64 { return d.UtilizationGPU }),
		e.gauge("utilization_gpu_average", "GPU utilization as reported by the device averaged over 10s", func(d *collector.Device) float64 { return d.UtilizationGPUAverage }),

		e.optional("clock_graphics_mhz", "Graphics clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockGraphics }),
		e.optional("clock_sm_mhz", "SM clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockSM }),
		e.optional("clock_memory_mhz", "Memory clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockMemory }),
		e.optional("clock_graphics_max_mhz", "Maximum graphics clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockGraphicsMax }),
		e.optional("clock_sm_max_mhz", "Maximum SM clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockSMMax }),
		e.optional("clock_memory_max_mhz", "Maximum memory clock speed in MHz", func(d *collector.Device) *float64 { return d.ClockMemoryMax }),
		e.optional("power_limit_milliwatts", "Power management limit in milliwatts", func(d *collector.Device) *float64 { return d.PowerLimit }),
		e.optional("power_limit_default_milliwatts", "Default power management limit in milliwatts", func(d *collector.Device) *float64 { return d.PowerLimitDefault }),
		e.optional("performance_state", "Current performance state (P-State: 0-15, lower is better)", func(d *collector.Device) *float64 { return d.PerformanceState }),
		e.optional("pcie_link_generation", "PCIe link generation", func(d *collector.Device) *float64 { return d.PCIeLinkGen }),
		e.optional("pcie_link_width", "PCIe link width", func(d *collector.Device) *float64 { return d.PCIeLinkWidth }),
		e.optional("pcie_tx_throughput_kb", "PCIe transmit throughput in KB/s", func(d *collector.Device) *float64 { return d.PCIeTxThroughput }),
		e.optional("pcie_rx_throughput_kb", "PCIe receive throughput in KB/s", func(d *collector.Device) *float64 { return d.PCIeRxThroughput }),
		e.optional("encoder_utilization", "Encoder utilization percentage (0-100)", func(d *collector.Device) *float64 { return d.EncoderUtilization }),
		e.optional("decoder_utilization", "Decoder utilization percentage (0-100)", func(d *collector.Device) *float64 { return d.DecoderUtilization }),
		e.optional("ecc_errors_corrected_total", "Total corrected ECC errors", func(d *collector.Device) *float64 { return d.ECCErrorsCorrected }),
		e.optional("ecc_errors_uncorrected_total", "Total uncorrected ECC errors", func(d *collector.Device) *float64 { return d.ECCErrorsUncorrected }),
		e.optional("compute_processes", "Number of compute processes running", func(d *collector.Device) *float64 { return d.ComputeProcesses }),
		e.optional("graphics_processes", "Number of graphics processes running", func(d *collector.Device) *float64 { return d.GraphicsProcesses }),
	}

	for _, opt := range opts {
		opt(e)
	}

	e.registry.MustRegister(e.up, e.deviceCount, e.driverInfo, e.deviceInfo)
	for _, g := range e.devices {
		e.registry.MustRegister(g.vec)
	}

	return e
}

func (e *Exporter) gauge(name, help string, value func(*collector.Device) float64) deviceGauge {
	vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, []string{minorLabel})
	return deviceGauge{
		name:  prometheus.BuildFQName(namespace, "", name),
		vec:   vec,
		value: value,
	}
}

// optional builds a family for a capability-dependent reading. An unsupported
// reading is exported as 0, so consumers cannot tell "unsupported" from a
// supported reading of 0.
func (e *Exporter) optional(name, help string, value func(*collector.Device) *float64) deviceGauge {
	return e.gauge(name, help, func(d *collector.Device) float64 {
		if v := value(d); v != nil {
			return *v
		}
		return 0
	})
}

// Gather runs one collection, updates every series from it and returns the
// families that currently hold at least one series. Collection failures are
// reported as nvidia_up 0 and never returned; the error is only set when the
// underlying registry cannot be gathered or ctx was cancelled by the caller.
// A cancelled gather leaves every series, counter and the source state as
// they were.
func (e *Exporter) Gather(ctx context.Context) ([]*dto.MetricFamily, error) {
	start := time.Now()
	logger := slog.With("scrape_id", uuid.NewString())
	logger.Debug("exporter: starting metrics collection")

	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	m, err := e.collector.Collect(ctx)
	if stderrors.Is(ctx.Err(), context.Canceled) {
		logger.Debug("exporter: scrape cancelled by caller", "error", err)
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.reset()
	if err != nil {
		e.degrade(logger, err)
	} else {
		e.update(logger, m)
	}
	e.trackState(err)

	mfs, gatherErr := e.registry.Gather()
	mfs = nonEmpty(mfs)

	e.metrics.GatherDuration.Observe(time.Since(start).Seconds())
	logger.Debug("exporter: collected metric families", "families", len(mfs))
	return mfs, gatherErr
}

// reset drops every labelled series so devices or driver versions that
// disappeared since the last gather are not reported again.
func (e *Exporter) reset() {
	e.driverInfo.Reset()
	e.deviceInfo.Reset()
	for _, g := range e.devices {
		g.vec.Reset()
	}
}

func (e *Exporter) degrade(logger *slog.Logger, err error) {
	code := errors.CodeOf(err)
	if code == "" {
		code = errors.ErrSourceUnavailable
	}
	logger.Warn("exporter: failed to collect metrics, reporting up=0",
		"code", code,
		"error", err,
	)
	e.metrics.CollectionFailures.WithLabelValues(string(code)).Inc()
	e.metrics.ScrapesTotal.WithLabelValues("degraded").Inc()
	if e.recorder != nil {
		e.recorder.Report(err)
	}

	e.metrics.SourceUp.Set(0)
	e.up.Set(0)
	e.deviceCount.Set(0)
	e.driverInfo.WithLabelValues(UnavailableVersion).Set(1)
}

func (e *Exporter) update(logger *slog.Logger, m *collector.Metrics) {
	logger.Debug("exporter: collected metrics",
		"version", m.Version,
		"device_count", len(m.Devices),
	)
	e.metrics.ScrapesTotal.WithLabelValues("healthy").Inc()

	e.metrics.SourceUp.Set(1)
	e.up.Set(1)
	e.deviceCount.Set(float64(len(m.Devices)))
	setLabelled(logger, e.driverInfo, 1, driverVersion(m.Version))

	for i := range m.Devices {
		d := &m.Devices[i]
		setLabelled(logger, e.deviceInfo, 1, d.Index, d.MinorNumber, d.UUID, d.Name)
		for _, g := range e.devices {
			setLabelled(logger, g.vec, g.value(d), d.MinorNumber)
		}
	}
}

// trackState logs healthy/degraded transitions. It does not affect output.
func (e *Exporter) trackState(err error) {
	prev, changed := e.state.Observe(err)
	if !changed || prev == StateStarting {
		return
	}
	if err == nil {
		slog.Info("exporter: NVML collection recovered", "previous", prev)
		return
	}
	slog.Warn("exporter: NVML collection degraded", "reason", e.state.Reason())
}

// SourceState reports the outcome of the latest collection, the error code
// behind it when degraded and when that state was entered.
func (e *Exporter) SourceState() (state string, reason string, since time.Time) {
	return string(e.state.State()), e.state.Reason(), e.state.Since()
}

// driverVersion returns a label-safe version string. Invalid UTF-8 bytes are
// replaced so nvidia_driver_info is never dropped on a healthy scrape.
func driverVersion(v string) string {
	return strings.ToValidUTF8(v, "\uFFFD")
}

// setLabelled sets one series, skipping label values the registry rejects
// (for example invalid UTF-8 in a device name) instead of panicking.
func setLabelled(logger *slog.Logger, vec *prometheus.GaugeVec, value float64, labels ...string) {
	g, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		logger.Warn("exporter: dropping series with invalid labels",
			"labels", labels,
			"error", err,
		)
		return
	}
	g.Set(value)
}

// nonEmpty filters out families that carry no series.
func nonEmpty(mfs []*dto.MetricFamily) []*dto.MetricFamily {
	out := mfs[:0]
	for _, mf := range mfs {
		if len(mf.GetMetric()) == 0 {
			slog.Debug("exporter: skipping empty metric family", "name", mf.GetName())
			continue
		}
		out = append(out, mf)
	}
	return out
}

// Describe returns the fully-qualified names of every family in the catalogue.
func (e *Exporter) Describe() []string {
	names := []string{
		prometheus.BuildFQName(namespace, "", "up"),
		prometheus.BuildFQName(namespace, "", "device_count"),
		prometheus.BuildFQName(namespace, "", "driver_info"),
		prometheus.BuildFQName(namespace, "", "info"),
	}
	for _, g := range e.devices {
		names = append(names, g.name)
	}
	return names
}
