package config

import "time"

// Defaults for the payload section.
const (
	DefaultSizeLimit   = "10"
	DefaultProbeStatus = 202
)

// ApplyDefaults fills zero-valued fields with defaults.
// It is called after YAML parsing and before validation.
func ApplyDefaults(cfg *Config) {
	// ── Listen ──
	if cfg.Listen.Host == "" {
		cfg.Listen.Host = "0.0.0.0"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = 8080
	}
	if cfg.Listen.MaxConnections == 0 {
		cfg.Listen.MaxConnections = 1000
	}
	if cfg.Listen.GlobalRateLimit == 0 {
		cfg.Listen.GlobalRateLimit = 5000
	}

	// ── Upstream ──
	if cfg.Upstream.Timeout.Duration == 0 {
		cfg.Upstream.Timeout.Duration = 30 * time.Second
	}
	// retry_max 0 means no retries; only negative values are rejected.
	if cfg.Upstream.RetryWaitMin.Duration == 0 {
		cfg.Upstream.RetryWaitMin.Duration = 100 * time.Millisecond
	}
	if cfg.Upstream.RetryWaitMax.Duration == 0 {
		cfg.Upstream.RetryWaitMax.Duration = 2 * time.Second
	}

	// ── Payload ──
	if cfg.Payload.SizeLimit == "" {
		cfg.Payload.SizeLimit = DefaultSizeLimit
	}
	if cfg.Payload.ProbeStatus == 0 {
		cfg.Payload.ProbeStatus = DefaultProbeStatus
	}

	// ── Per-API flows inherit from payload ──
	for i := range cfg.APIs {
		applyFlowDefaults(&cfg.APIs[i].Inbound, cfg.Payload)
		applyFlowDefaults(&cfg.APIs[i].Outbound, cfg.Payload)
	}

	// ── Health ──
	if cfg.Health.LivenessPath == "" {
		cfg.Health.LivenessPath = "/healthz"
	}
	if cfg.Health.ReadinessPath == "" {
		cfg.Health.ReadinessPath = "/readyz"
	}
	if cfg.Health.MetricsPath == "" {
		cfg.Health.MetricsPath = "/metrics"
	}

	// ── Logging ──
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
	applyAuditDefaults(&cfg.Logging.Audit)

	// ── Shutdown ──
	if cfg.Shutdown.Timeout.Duration == 0 {
		cfg.Shutdown.Timeout.Duration = 30 * time.Second
	}

	// ── Reload ──
	if cfg.Reload.Debounce.Duration == 0 {
		cfg.Reload.Debounce.Duration = 2 * time.Second
	}
}

// applyFlowDefaults resolves inherited flow settings so that every flow is
// fully specified after defaults.
func applyFlowDefaults(f *FlowConfig, p PayloadConfig) {
	if f.Enabled == nil {
		enabled := true
		f.Enabled = &enabled
	}
	if f.SizeLimit == "" {
		f.SizeLimit = p.SizeLimit
	}
	if f.Enforce == nil {
		enforce := p.Enforce
		f.Enforce = &enforce
	}
}

func applyAuditDefaults(a *AuditConfig) {
	if a.SamplingRate == 0 {
		a.SamplingRate = 1.0
	}
	if a.ErrorSamplingRate == 0 {
		a.ErrorSamplingRate = 1.0
	}
}
