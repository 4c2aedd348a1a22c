package config

import (
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
)

// HealthPath is served by the exporter itself and cannot be reused.
const HealthPath = "/healthz"

// Validate checks that the Config contains valid values.
// Returns an error describing the first invalid field found.
func (c Config) Validate() error {
	_, port, err := net.SplitHostPort(c.ListenAddress)
	if err != nil {
		return fmt.Errorf("config: invalid listen address %q: %w", c.ListenAddress, err)
	}
	if n, err := strconv.Atoi(port); err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("config: invalid port %q in listen address %q", port, c.ListenAddress)
	}

	if err := validatePath("telemetry path", c.TelemetryPath); err != nil {
		return err
	}
	if err := validatePath("internal metrics path", c.InternalMetricsPath); err != nil {
		return err
	}
	if c.TelemetryPath == c.InternalMetricsPath {
		return fmt.Errorf("config: telemetry path and internal metrics path are both %q", c.TelemetryPath)
	}

	if c.CollectTimeout <= 0 {
		return fmt.Errorf("config: CollectTimeout must be > 0, got %v", c.CollectTimeout)
	}

	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: log format must be text or json, got %q", c.LogFormat)
	}

	return nil
}

func validatePath(name, p string) error {
	if !strings.HasPrefix(p, "/") {
		return fmt.Errorf("config: %s must start with \"/\", got %q", name, p)
	}
	if p == "/" || p == HealthPath {
		return fmt.Errorf("config: %s %q is reserved", name, p)
	}
	if strings.ContainsAny(p, " \t{}") {
		return fmt.Errorf("config: %s %q contains invalid characters", name, p)
	}
	return nil
}
