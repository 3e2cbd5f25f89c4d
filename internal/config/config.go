// Package config handles YAML configuration parsing, defaults, and validation
// for the payload-sentinel gateway.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for payload-sentinel.
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Payload  PayloadConfig  `yaml:"payload"`
	APIs     []APIConfig    `yaml:"apis"`
	Health   HealthConfig   `yaml:"health"`
	Logging  LoggingConfig  `yaml:"logging"`
	Shutdown ShutdownConfig `yaml:"shutdown"`
	Reload   ReloadConfig   `yaml:"reload"`
}

// ListenConfig defines the listener address and connection limits.
type ListenConfig struct {
	Host            string    `yaml:"host"`
	Port            int       `yaml:"port"`
	GRPCPort        int       `yaml:"grpc_port"`
	MaxConnections  int       `yaml:"max_connections"`
	GlobalRateLimit int       `yaml:"global_rate_limit"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig holds optional TLS certificate paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// UpstreamConfig controls the client used to forward requests.
type UpstreamConfig struct {
	Timeout      Duration `yaml:"timeout"`
	RetryMax     int      `yaml:"retry_max"`
	RetryWaitMin Duration `yaml:"retry_wait_min"`
	RetryWaitMax Duration `yaml:"retry_wait_max"`
}

// PayloadConfig holds the gateway-wide inspection defaults. Per-API flow
// settings inherit from it.
type PayloadConfig struct {
	// SizeLimit is an integer number of megabytes (1 MB = 1,048,576 bytes).
	SizeLimit   string `yaml:"size_limit"`
	ProbeStatus int    `yaml:"probe_status"`
	Enforce     bool   `yaml:"enforce"`
}

// APIConfig describes one upstream API fronted by the gateway.
type APIConfig struct {
	Name        string     `yaml:"name"`
	PathPrefix  string     `yaml:"path_prefix"`
	Upstream    string     `yaml:"upstream"`
	GRPCService string     `yaml:"grpc_service"`
	Default     bool       `yaml:"default"`
	Inbound     FlowConfig `yaml:"inbound"`
	Outbound    FlowConfig `yaml:"outbound"`
}

// FlowConfig configures inspection for one direction of an API.
// Nil pointers and empty strings inherit from PayloadConfig.
type FlowConfig struct {
	Enabled   *bool  `yaml:"enabled"`
	SizeLimit string `yaml:"size_limit"`
	Enforce   *bool  `yaml:"enforce"`
}

// IsEnabled reports whether inspection runs for this flow.
func (f FlowConfig) IsEnabled() bool {
	return f.Enabled == nil || *f.Enabled
}

// IsEnforced reports whether the policy stage rejects oversize messages.
func (f FlowConfig) IsEnforced() bool {
	return f.Enforce != nil && *f.Enforce
}

// HealthConfig defines health check endpoint paths.
type HealthConfig struct {
	LivenessPath  string `yaml:"liveness_path"`
	ReadinessPath string `yaml:"readiness_path"`
	MetricsPath   string `yaml:"metrics_path"`
}

// LoggingConfig defines log output format and audit sampling.
type LoggingConfig struct {
	Level  string      `yaml:"level"`
	Format string      `yaml:"format"`
	Output string      `yaml:"output"`
	Audit  AuditConfig `yaml:"audit"`
}

// AuditConfig controls audit log sampling rates.
type AuditConfig struct {
	SamplingRate      float64 `yaml:"sampling_rate"`
	ErrorSamplingRate float64 `yaml:"error_sampling_rate"`
}

// ShutdownConfig defines the graceful shutdown timeout.
type ShutdownConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// ReloadConfig controls config hot-reload behavior (SIGHUP and file watching).
type ReloadConfig struct {
	Enabled   bool     `yaml:"enabled"`
	WatchFile bool     `yaml:"watch_file"`
	Debounce  Duration `yaml:"debounce"` // default 2s
}

// Duration is a time.Duration that supports YAML string parsing (e.g., "60s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML implements yaml.Unmarshaler for Duration, parsing strings like "60s" or "5m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Load reads, parses, applies defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// APIByName returns the API with the given name.
func (c *Config) APIByName(name string) (APIConfig, bool) {
	for _, a := range c.APIs {
		if a.Name == name {
			return a, true
		}
	}
	return APIConfig{}, false
}
