// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Loader resolves configuration with precedence ENV > file > defaults.
type Loader struct {
	path string
}

// NewLoader creates a loader for the given optional YAML file path.
func NewLoader(path string) *Loader {
	return &Loader{path: path}
}

// Load builds the effective configuration and validates it.
func (l *Loader) Load() (Config, error) {
	cfg := Default()

	if l.path != "" {
		data, err := os.ReadFile(l.path)
		switch {
		case errors.Is(err, os.ErrNotExist):
			// Missing file is fine; env and defaults apply.
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", l.path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", l.path, err)
			}
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnv overlays SIGNAGE_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Port = ParseInt("SIGNAGE_PORT", cfg.Port)
	cfg.AlternativePorts = ParseIntList("SIGNAGE_ALTERNATIVE_PORTS", cfg.AlternativePorts)
	cfg.AutoSelectPort = ParseBool("SIGNAGE_AUTO_SELECT_PORT", cfg.AutoSelectPort)
	cfg.EndpointPath = ParseString("SIGNAGE_ENDPOINT_PATH", cfg.EndpointPath)
	cfg.MaxMessageSize = int64(ParseInt("SIGNAGE_MAX_MESSAGE_SIZE", int(cfg.MaxMessageSize)))

	cfg.EnableSSL = ParseBool("SIGNAGE_ENABLE_SSL", cfg.EnableSSL)
	cfg.CertificatePath = ParseString("SIGNAGE_TLS_CERT", cfg.CertificatePath)
	cfg.CertificateKeyPath = ParseString("SIGNAGE_TLS_KEY", cfg.CertificateKeyPath)
	cfg.CertificatePassword = ParseString("SIGNAGE_TLS_PASSWORD", cfg.CertificatePassword)

	cfg.ClientHeartbeatTimeout = parseSecondsOrDuration("SIGNAGE_HEARTBEAT_TIMEOUT", cfg.ClientHeartbeatTimeout)
	cfg.LivenessCheckInterval = ParseDuration("SIGNAGE_LIVENESS_INTERVAL", cfg.LivenessCheckInterval)
	cfg.SchedulerTickInterval = ParseDuration("SIGNAGE_SCHEDULER_INTERVAL", cfg.SchedulerTickInterval)
	cfg.ScreenshotTimeout = ParseDuration("SIGNAGE_SCREENSHOT_TIMEOUT", cfg.ScreenshotTimeout)

	cfg.ServerName = ParseString("SIGNAGE_SERVER_NAME", cfg.ServerName)
	cfg.DiscoveryPort = ParseInt("SIGNAGE_DISCOVERY_PORT", cfg.DiscoveryPort)
	cfg.PreferredNetworkInterface = ParseString("SIGNAGE_NETWORK_INTERFACE", cfg.PreferredNetworkInterface)
	cfg.StaleHostThreshold = ParseDuration("SIGNAGE_STALE_HOST_THRESHOLD", cfg.StaleHostThreshold)

	cfg.ConnectionString = ParseString("SIGNAGE_DB", cfg.ConnectionString)

	cfg.LogLevel = ParseString("SIGNAGE_LOG_LEVEL", cfg.LogLevel)
	cfg.MetricsEnabled = ParseBool("SIGNAGE_METRICS_ENABLED", cfg.MetricsEnabled)
	cfg.MetricsAddr = ParseString("SIGNAGE_METRICS_ADDR", cfg.MetricsAddr)
	cfg.TracingEnabled = ParseBool("SIGNAGE_TRACING_ENABLED", cfg.TracingEnabled)
	cfg.TracingExporter = ParseString("SIGNAGE_TRACING_EXPORTER", cfg.TracingExporter)
	cfg.TracingEndpoint = ParseString("SIGNAGE_TRACING_ENDPOINT", cfg.TracingEndpoint)
}

// parseSecondsOrDuration accepts either a bare integer (seconds, matching the
// documented deployment format) or a Go duration string.
func parseSecondsOrDuration(key string, defaultValue time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs := ParseInt(key, -1); secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}
