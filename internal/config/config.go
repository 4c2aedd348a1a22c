package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Default values applied when a setting is absent from every source.
const (
	DefaultListenAddress       = "0.0.0.0:9445"
	DefaultTelemetryPath       = "/metrics"
	DefaultInternalMetricsPath = "/exporter/metrics"
	DefaultCollectTimeout      = 10 * time.Second
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

// Flag names shared by RegisterFlags and ApplyFlags.
const (
	FlagListenAddress       = "web.listen-address"
	FlagTelemetryPath       = "web.telemetry-path"
	FlagInternalMetricsPath = "web.internal-metrics-path"
	FlagCollectTimeout      = "collector.timeout"
	FlagLogLevel            = "log.level"
	FlagLogFormat           = "log.format"
)

// Config holds all exporter configuration values.
type Config struct {
	ListenAddress       string        `yaml:"listen_address"`        // NVIDIA_EXPORTER_LISTEN_ADDRESS
	TelemetryPath       string        `yaml:"telemetry_path"`        // NVIDIA_EXPORTER_TELEMETRY_PATH
	InternalMetricsPath string        `yaml:"internal_metrics_path"` // NVIDIA_EXPORTER_INTERNAL_METRICS_PATH
	CollectTimeout      time.Duration `yaml:"collect_timeout"`       // NVIDIA_EXPORTER_COLLECT_TIMEOUT

	LogLevel  string `yaml:"log_level"`  // NVIDIA_EXPORTER_LOG_LEVEL: debug, info, warn, error
	LogFormat string `yaml:"log_format"` // NVIDIA_EXPORTER_LOG_FORMAT: text, json
}

// Defaults returns a Config with every field at its default.
func Defaults() Config {
	return Config{
		ListenAddress:       DefaultListenAddress,
		TelemetryPath:       DefaultTelemetryPath,
		InternalMetricsPath: DefaultInternalMetricsPath,
		CollectTimeout:      DefaultCollectTimeout,
		LogLevel:            DefaultLogLevel,
		LogFormat:           DefaultLogFormat,
	}
}

// Load reads configuration from environment variables and returns a Config
// with defaults applied for any unset values.
func Load() Config {
	cfg := Defaults()
	cfg.applyEnv()
	return cfg
}

// LoadFile reads the YAML file at path on top of the defaults, then applies
// environment overrides. Unknown keys are rejected.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()

	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("config: parse yaml: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddress = envOrDefault("NVIDIA_EXPORTER_LISTEN_ADDRESS", c.ListenAddress)
	c.TelemetryPath = envOrDefault("NVIDIA_EXPORTER_TELEMETRY_PATH", c.TelemetryPath)
	c.InternalMetricsPath = envOrDefault("NVIDIA_EXPORTER_INTERNAL_METRICS_PATH", c.InternalMetricsPath)
	c.CollectTimeout = parseDuration("NVIDIA_EXPORTER_COLLECT_TIMEOUT", c.CollectTimeout)
	c.LogLevel = envOrDefault("NVIDIA_EXPORTER_LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("NVIDIA_EXPORTER_LOG_FORMAT", c.LogFormat)
}

// RegisterFlags adds the command-line flags for every setting to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Defaults()
	fs.String(FlagListenAddress, d.ListenAddress, "Address on which to expose metrics and web interface.")
	fs.String(FlagTelemetryPath, d.TelemetryPath, "Path under which to expose GPU metrics.")
	fs.String(FlagInternalMetricsPath, d.InternalMetricsPath, "Path under which to expose the exporter's own metrics.")
	fs.Duration(FlagCollectTimeout, d.CollectTimeout, "Maximum time one NVML collection may take.")
	fs.String(FlagLogLevel, d.LogLevel, "Log level: debug, info, warn or error.")
	fs.String(FlagLogFormat, d.LogFormat, "Log format: text or json.")
}

// ApplyFlags overrides c with every flag explicitly set on fs. Flags win over
// the file and the environment.
func (c *Config) ApplyFlags(fs *pflag.FlagSet) error {
	strs := []struct {
		name string
		dst  *string
	}{
		{FlagListenAddress, &c.ListenAddress},
		{FlagTelemetryPath, &c.TelemetryPath},
		{FlagInternalMetricsPath, &c.InternalMetricsPath},
		{FlagLogLevel, &c.LogLevel},
		{FlagLogFormat, &c.LogFormat},
	}
	for _, s := range strs {
		if !fs.Changed(s.name) {
			continue
		}
		v, err := fs.GetString(s.name)
		if err != nil {
			return fmt.Errorf("config: flag --%s: %w", s.name, err)
		}
		*s.dst = v
	}

	if fs.Changed(FlagCollectTimeout) {
		d, err := fs.GetDuration(FlagCollectTimeout)
		if err != nil {
			return fmt.Errorf("config: flag --%s: %w", FlagCollectTimeout, err)
		}
		c.CollectTimeout = d
	}
	return nil
}

// Level returns the slog level for LogLevel, or info if it does not parse.
func (c Config) Level() slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// parseDuration tries time.ParseDuration first, then falls back to treating
// the value as integer seconds.
func parseDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(v)
	if err == nil {
		return d
	}

	// Fallback: treat as integer seconds
	secs, err := strconv.Atoi(v)
	if err == nil {
		return time.Duration(secs) * time.Second
	}

	return defaultVal
}
