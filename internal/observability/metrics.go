package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds the exporter's self-monitoring metrics. They live on their own
// registry so the GPU telemetry endpoint only ever carries nvidia_* families.
type Metrics struct {
	Registry *prometheus.Registry

	// Gather metrics
	GatherDuration prometheus.Histogram
	ScrapesTotal   *prometheus.CounterVec

	// Collection state
	SourceUp           prometheus.Gauge
	CollectionFailures *prometheus.CounterVec

	// Response metrics
	EncodeFailures    prometheus.Counter
	ResponseSizeBytes prometheus.Histogram
	ResponseWireBytes prometheus.Histogram
}

// NewMetrics creates a Metrics instance with every collector registered on a
// custom registry, alongside the Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		GatherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nvidia_exporter_gather_duration_seconds",
			Help:    "Duration of a full collect-and-update cycle in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		ScrapesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvidia_exporter_scrapes_total",
			Help: "Total number of gathers, by outcome (healthy or degraded).",
		}, []string{"outcome"}),

		SourceUp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nvidia_exporter_source_up",
			Help: "Whether the last NVML collection succeeded (1) or degraded (0).",
		}),
		CollectionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nvidia_exporter_collection_failures_total",
			Help: "Total number of failed NVML collections, by error code.",
		}, []string{"code"}),

		EncodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nvidia_exporter_encode_failures_total",
			Help: "Total number of telemetry responses that failed to encode.",
		}),
		ResponseSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nvidia_exporter_response_size_bytes",
			Help:    "Size of encoded telemetry responses in bytes, before compression.",
			Buckets: prometheus.ExponentialBuckets(512, 2, 10),
		}),
		ResponseWireBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "nvidia_exporter_response_wire_bytes",
			Help:    "Bytes of telemetry body written to the client, after compression when negotiated.",
			Buckets: prometheus.ExponentialBuckets(256, 2, 10),
		}),
	}

	reg.MustRegister(
		m.GatherDuration,
		m.ScrapesTotal,
		m.SourceUp,
		m.CollectionFailures,
		m.EncodeFailures,
		m.ResponseSizeBytes,
		m.ResponseWireBytes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}
