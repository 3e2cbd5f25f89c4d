package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/vivars7/payload-sentinel/internal/sizing"
)

// Validate checks the configuration for errors. It collects ALL errors
// rather than stopping at the first one, returning them as a joined message.
func Validate(cfg *Config) error {
	var errs []string

	// ── APIs ──
	if len(cfg.APIs) == 0 {
		errs = append(errs, "apis list must not be empty")
	}

	defaultCount := 0
	names := make(map[string]bool, len(cfg.APIs))
	for i, a := range cfg.APIs {
		if a.Name == "" {
			errs = append(errs, fmt.Sprintf("apis[%d]: name is required", i))
		} else if names[a.Name] {
			errs = append(errs, fmt.Sprintf("apis[%d]: duplicate name %q", i, a.Name))
		}
		names[a.Name] = true
		if !strings.HasPrefix(a.PathPrefix, "/") {
			errs = append(errs, fmt.Sprintf("apis[%d]: path_prefix must start with / (got %q)", i, a.PathPrefix))
		}
		if a.Upstream == "" {
			errs = append(errs, fmt.Sprintf("apis[%d]: upstream is required", i))
		} else if u, err := url.Parse(a.Upstream); err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, fmt.Sprintf("apis[%d]: upstream must be an http(s) URL (got %q)", i, a.Upstream))
		}
		if a.Default {
			defaultCount++
		}
		if err := validateSizeLimit(a.Inbound.SizeLimit); err != nil {
			errs = append(errs, fmt.Sprintf("apis[%d].inbound.size_limit: %v", i, err))
		}
		if err := validateSizeLimit(a.Outbound.SizeLimit); err != nil {
			errs = append(errs, fmt.Sprintf("apis[%d].outbound.size_limit: %v", i, err))
		}
	}
	if defaultCount > 1 {
		errs = append(errs, fmt.Sprintf("at most one api can be default (found %d)", defaultCount))
	}

	// ── Payload ──
	if err := validateSizeLimit(cfg.Payload.SizeLimit); err != nil {
		errs = append(errs, fmt.Sprintf("payload.size_limit: %v", err))
	}
	if cfg.Payload.ProbeStatus < 100 || cfg.Payload.ProbeStatus > 599 {
		errs = append(errs, fmt.Sprintf("payload.probe_status must be an HTTP status 100-599 (got %d)", cfg.Payload.ProbeStatus))
	}

	// ── Ports ──
	if cfg.Listen.Port < 1 || cfg.Listen.Port > 65535 {
		errs = append(errs, fmt.Sprintf("listen.port must be 1-65535 (got %d)", cfg.Listen.Port))
	}
	if cfg.Listen.GRPCPort != 0 && (cfg.Listen.GRPCPort < 1 || cfg.Listen.GRPCPort > 65535) {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must be 0 (disabled) or 1-65535 (got %d)", cfg.Listen.GRPCPort))
	}
	if cfg.Listen.GRPCPort != 0 && cfg.Listen.GRPCPort == cfg.Listen.Port {
		errs = append(errs, fmt.Sprintf("listen.grpc_port must differ from listen.port (both %d)", cfg.Listen.GRPCPort))
	}

	// ── Connection limits ──
	if cfg.Listen.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("listen.max_connections must be positive (got %d)", cfg.Listen.MaxConnections))
	}
	if cfg.Listen.GlobalRateLimit < 1 {
		errs = append(errs, fmt.Sprintf("listen.global_rate_limit must be positive (got %d)", cfg.Listen.GlobalRateLimit))
	}

	// ── Upstream ──
	if cfg.Upstream.RetryMax < 0 {
		errs = append(errs, fmt.Sprintf("upstream.retry_max must not be negative (got %d)", cfg.Upstream.RetryMax))
	}
	if cfg.Upstream.Timeout.Duration < 0 {
		errs = append(errs, "upstream.timeout must be positive")
	}
	if cfg.Upstream.RetryWaitMin.Duration > cfg.Upstream.RetryWaitMax.Duration {
		errs = append(errs, fmt.Sprintf("upstream.retry_wait_min (%s) must not exceed retry_wait_max (%s)", cfg.Upstream.RetryWaitMin.Duration, cfg.Upstream.RetryWaitMax.Duration))
	}

	// ── TLS files ──
	if cfg.Listen.TLS.CertFile != "" {
		if _, err := os.Stat(cfg.Listen.TLS.CertFile); err != nil {
			errs = append(errs, fmt.Sprintf("listen.tls.cert_file: %v", err))
		}
	}
	if cfg.Listen.TLS.KeyFile != "" {
		if _, err := os.Stat(cfg.Listen.TLS.KeyFile); err != nil {
			errs = append(errs, fmt.Sprintf("listen.tls.key_file: %v", err))
		}
	}

	// ── Logging ──
	if !isValidLogLevel(cfg.Logging.Level) {
		errs = append(errs, fmt.Sprintf("logging.level must be one of: debug, info, warn, error (got %q)", cfg.Logging.Level))
	}
	if !isValidLogFormat(cfg.Logging.Format) {
		errs = append(errs, fmt.Sprintf("logging.format must be one of: json, text (got %q)", cfg.Logging.Format))
	}
	if cfg.Logging.Audit.SamplingRate < 0 || cfg.Logging.Audit.SamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("logging.audit.sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Logging.Audit.SamplingRate))
	}
	if cfg.Logging.Audit.ErrorSamplingRate < 0 || cfg.Logging.Audit.ErrorSamplingRate > 1.0 {
		errs = append(errs, fmt.Sprintf("logging.audit.error_sampling_rate must be between 0.0 and 1.0 (got %f)", cfg.Logging.Audit.ErrorSamplingRate))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// validateSizeLimit accepts a non-negative integer number of megabytes.
func validateSizeLimit(s string) error {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("must be an integer number of megabytes (got %q)", s)
	}
	if n < 0 {
		return fmt.Errorf("must not be negative (got %d)", n)
	}
	if int64(n) > sizing.MaxLimitMB {
		return fmt.Errorf("must not exceed %d (got %d)", int64(sizing.MaxLimitMB), n)
	}
	return nil
}

func isValidLogLevel(l string) bool {
	switch l {
	case "debug", "info", "warn", "error":
		return true
	}
	return false
}

func isValidLogFormat(f string) bool {
	switch f {
	case "json", "text":
		return true
	}
	return false
}
