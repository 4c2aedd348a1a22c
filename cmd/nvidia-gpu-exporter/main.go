package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/KimMachineGun/automemlimit"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	_ "go.uber.org/automaxprocs"

	"github.com/kubeadapt/nvidia-gpu-exporter/internal/collector"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/config"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/errors"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/exporter"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/nvml"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/observability"
	"github.com/kubeadapt/nvidia-gpu-exporter/internal/server"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

const flagConfigFile = "config.file"

var _ server.StateReporter = (*exporter.Exporter)(nil)

func main() {
	os.Exit(execute(context.Background(), newRootCommand()))
}

// execute runs cmd and returns the process exit code. Errors are printed to
// the command's error writer, including flag and argument errors raised by
// cobra before RunE.
func execute(ctx context.Context, cmd *cobra.Command) int {
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		return 1
	}
	return 0
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "nvidia-gpu-exporter",
		Short:         "Prometheus exporter for NVIDIA GPU metrics read through NVML",
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.Flags())
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			slog.SetDefault(newLogger(os.Stderr, cfg))

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cmd.Context(), cfg)
		},
	}

	config.RegisterFlags(cmd.Flags())
	cmd.Flags().String(flagConfigFile, "", "Optional YAML configuration file.")
	return cmd
}

// loadConfig layers defaults, the optional file, the environment and then
// explicitly set flags.
func loadConfig(fs *pflag.FlagSet) (config.Config, error) {
	path, err := fs.GetString(flagConfigFile)
	if err != nil {
		return config.Config{}, err
	}

	cfg := config.Load()
	if path != "" {
		if cfg, err = config.LoadFile(path); err != nil {
			return cfg, err
		}
	}

	if err := cfg.ApplyFlags(fs); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newLogger(w io.Writer, cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func run(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("nvidia-gpu-exporter starting",
		"version", version,
		"listen_address", cfg.ListenAddress,
		"telemetry_path", cfg.TelemetryPath,
		"collect_timeout", cfg.CollectTimeout,
	)

	metrics := observability.NewMetrics()
	clock := errors.RealClock{}
	recorder := errors.NewRecorder(clock)

	coll := collector.NewNVMLCollector(nvml.NewLibrarySource())
	exp := exporter.New(coll, metrics, recorder,
		exporter.WithTimeout(cfg.CollectTimeout),
		exporter.WithClock(clock),
	)
	slog.Debug("exporter catalogue registered", "families", exp.Describe())

	srv := server.NewServer(server.Options{
		ListenAddress:       cfg.ListenAddress,
		TelemetryPath:       cfg.TelemetryPath,
		InternalMetricsPath: cfg.InternalMetricsPath,
	}, exp, metrics, recorder)

	if err := srv.Start(); err != nil {
		slog.Error("failed to start server", "error", err)
		return fmt.Errorf("start server: %w", err)
	}

	<-ctx.Done()
	slog.Info("shutdown signal received, stopping")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	slog.Info("nvidia-gpu-exporter stopped")
	return nil
}
