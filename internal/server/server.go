// Package server exposes GPU telemetry, a landing page, a liveness probe and
// the exporter's own metrics over HTTP.
package server

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"html"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/exposition"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/observability"
)

// Gatherer produces the metric families for one telemetry response.
type Gatherer interface {
	Gather(ctx context.Context) ([]*dto.MetricFamily, error)
}

// StateReporter is implemented by gatherers that remember the outcome of the
// latest collection.
type StateReporter interface {
	SourceState() (state string, reason string, since time.Time)
}

// Options configures the listener and routes.
type Options struct {
	ListenAddress       string
	TelemetryPath       string
	InternalMetricsPath string
}

// Server serves the telemetry endpoint and its supporting routes.
type Server struct {
	httpServer *http.Server
	opts       Options
	gatherer   Gatherer
	metrics    *observability.Metrics
	recorder   *errors.Recorder
	listener   net.Listener
}

// NewServer creates a Server. Use ListenAddress "127.0.0.1:0" to let the OS
// pick a free port.
func NewServer(opts Options, gatherer Gatherer, metrics *observability.Metrics, recorder *errors.Recorder) *Server {
	s := &Server{
		opts:     opts,
		gatherer: gatherer,
		metrics:  metrics,
		recorder: recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(opts.TelemetryPath, s.handleTelemetry)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle(opts.InternalMetricsPath, promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/", s.handleLanding)

	s.httpServer = &http.Server{
		Addr:           opts.ListenAddress,
		Handler:        withLogging(slog.Default(), mux),
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   30 * time.Second,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return s
}

// Start binds the listener and serves in a background goroutine. Bind errors
// are returned to the caller.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server listen on %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln
	// Actual address, relevant when the port was 0.
	s.httpServer.Addr = ln.Addr().String()

	slog.Info("server: listening",
		"address", s.httpServer.Addr,
		"telemetry_path", s.opts.TelemetryPath,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("server: serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the listen address, resolved once Start has succeeded.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	mfs, err := s.gatherer.Gather(r.Context())
	if stderrors.Is(err, context.Canceled) {
		slog.Debug("server: client went away before telemetry was gathered", "error", err)
		return
	}
	if err != nil {
		slog.Error("server: gather failed", "error", err)
		http.Error(w, "failed to gather metrics", http.StatusInternalServerError)
		return
	}

	body, err := exposition.Encode(mfs)
	if err != nil {
		slog.Error("server: failed to encode metrics", "error", err)
		s.metrics.EncodeFailures.Inc()
		if s.recorder != nil {
			s.recorder.Report(err)
		}
		http.Error(w, "failed to encode metrics", http.StatusInternalServerError)
		return
	}
	s.metrics.ResponseSizeBytes.Observe(float64(len(body)))

	w.Header().Set("Content-Type", exposition.ContentType)
	wire := &byteCounter{Writer: w}
	defer func() { s.metrics.ResponseWireBytes.Observe(float64(wire.n)) }()

	if !acceptsGzip(r) {
		w.WriteHeader(http.StatusOK)
		_, _ = wire.Write(body)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Add("Vary", "Accept-Encoding")
	w.WriteHeader(http.StatusOK)
	gz := gzip.NewWriter(wire)
	if _, err := gz.Write(body); err != nil {
		slog.Debug("server: gzip write failed", "error", err)
	}
	if err := gz.Close(); err != nil {
		slog.Debug("server: gzip close failed", "error", err)
	}
}

// acceptsGzip reports whether the request lists gzip in Accept-Encoding.
func acceptsGzip(r *http.Request) bool {
	for _, part := range strings.Split(r.Header.Get("Accept-Encoding"), ",") {
		enc, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		if strings.EqualFold(enc, "gzip") {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status       string   `json:"status"`
	Source       string   `json:"source,omitempty"`
	SourceReason string   `json:"source_reason,omitempty"`
	SourceSince  string   `json:"source_since,omitempty"`
	ActiveErrors []string `json:"active_errors,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if sr, ok := s.gatherer.(StateReporter); ok {
		state, reason, since := sr.SourceState()
		resp.Source, resp.SourceReason = state, reason
		if !since.IsZero() {
			resp.SourceSince = since.UTC().Format(time.RFC3339)
		}
	}
	if s.recorder != nil {
		resp.ActiveErrors = s.recorder.ActiveCodes()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(resp)
}

const landingPage = `<html>
<head><title>NVIDIA GPU Exporter</title></head>
<body>
<h1>NVIDIA GPU Exporter</h1>
<p><a href="%s">Metrics</a></p>
</body>
</html>
`

func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, landingPage, html.EscapeString(s.opts.TelemetryPath))
}
