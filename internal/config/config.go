// SPDX-License-Identifier: MIT

// Package config loads and validates daemon configuration with precedence
// ENV > YAML file > defaults.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full daemon configuration.
type Config struct {
	// Control-plane listener.
	Port             int    `yaml:"port"`
	AlternativePorts []int  `yaml:"alternativePorts"`
	AutoSelectPort   bool   `yaml:"autoSelectPort"`
	EndpointPath     string `yaml:"endpointPath"`
	MaxMessageSize   int64  `yaml:"maxMessageSize"`

	// TLS. EnableSSL exists for compatibility with older deployments but
	// the daemon refuses to start when it is false.
	EnableSSL           bool   `yaml:"enableSsl"`
	CertificatePath     string `yaml:"certificatePath"`
	CertificateKeyPath  string `yaml:"certificateKeyPath"`
	CertificatePassword string `yaml:"certificatePassword"`

	// Fleet timing.
	ClientHeartbeatTimeout time.Duration `yaml:"clientHeartbeatTimeout"`
	LivenessCheckInterval  time.Duration `yaml:"livenessCheckInterval"`
	SchedulerTickInterval  time.Duration `yaml:"schedulerTickInterval"`
	ScreenshotTimeout      time.Duration `yaml:"screenshotTimeout"`

	// Discovery.
	ServerName                string        `yaml:"serverName"`
	DiscoveryPort             int           `yaml:"discoveryPort"`
	PreferredNetworkInterface string        `yaml:"preferredNetworkInterface"`
	StaleHostThreshold        time.Duration `yaml:"staleHostThreshold"`

	// Persistence.
	ConnectionString string `yaml:"connectionString"`

	// Observability.
	LogLevel        string  `yaml:"logLevel"`
	MetricsEnabled  bool    `yaml:"metricsEnabled"`
	MetricsAddr     string  `yaml:"metricsAddr"`
	TracingEnabled  bool    `yaml:"tracingEnabled"`
	TracingExporter string  `yaml:"tracingExporter"`
	TracingEndpoint string  `yaml:"tracingEndpoint"`
	TracingSampling float64 `yaml:"tracingSampling"`
}

// Default returns the built-in defaults per the deployment documentation.
func Default() Config {
	return Config{
		Port:                   8443,
		AlternativePorts:       []int{8444, 8445, 9443},
		AutoSelectPort:         true,
		EndpointPath:           "/ws/",
		MaxMessageSize:         1 << 20, // 1 MiB
		EnableSSL:              true,
		ClientHeartbeatTimeout: 90 * time.Second,
		LivenessCheckInterval:  30 * time.Second,
		SchedulerTickInterval:  60 * time.Second,
		ScreenshotTimeout:      30 * time.Second,
		ServerName:             "signaged",
		DiscoveryPort:          5556,
		StaleHostThreshold:     30 * time.Minute,
		ConnectionString:       "signaged.db",
		LogLevel:               "info",
		MetricsEnabled:         true,
		MetricsAddr:            ":9090",
		TracingExporter:        "grpc",
		TracingSampling:        1.0,
	}
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	for _, p := range c.AlternativePorts {
		if p <= 0 || p > 65535 {
			return fmt.Errorf("config: alternative port %d out of range", p)
		}
	}
	if !c.EnableSSL {
		// Plaintext operation was never supported; the flag survives only
		// so old config files fail loudly instead of silently downgrading.
		return fmt.Errorf("config: enableSsl=false is not supported, clients require TLS")
	}
	if !strings.HasPrefix(c.EndpointPath, "/") {
		return fmt.Errorf("config: endpointPath %q must start with /", c.EndpointPath)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("config: maxMessageSize must be positive")
	}
	if c.ClientHeartbeatTimeout <= 0 {
		return fmt.Errorf("config: clientHeartbeatTimeout must be positive")
	}
	if c.LivenessCheckInterval <= 0 {
		return fmt.Errorf("config: livenessCheckInterval must be positive")
	}
	if c.SchedulerTickInterval < time.Second {
		return fmt.Errorf("config: schedulerTickInterval %s too small", c.SchedulerTickInterval)
	}
	if c.DiscoveryPort <= 0 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("config: discoveryPort %d out of range", c.DiscoveryPort)
	}
	if c.ConnectionString == "" {
		return fmt.Errorf("config: connectionString must be set")
	}
	if (c.CertificatePath == "") != (c.CertificateKeyPath == "") {
		return fmt.Errorf("config: certificatePath and certificateKeyPath must be set together")
	}
	return nil
}

// ListenPorts returns the primary port followed by the alternatives that may
// be tried when autoSelectPort is on.
func (c *Config) ListenPorts() []int {
	if !c.AutoSelectPort {
		return []int{c.Port}
	}
	out := append([]int{c.Port}, c.AlternativePorts...)
	return out
}
