package config

import (
	"fmt"
	"reflect"
)

// Change describes a single configuration field that differs between two configs.
type Change struct {
	Field      string      // dot-separated field path (e.g., "apis[orders].inbound.size_limit")
	OldValue   interface{} // previous value
	NewValue   interface{} // new value
	Reloadable bool        // whether this change can be applied without restart
}

// Diff compares two Config values and returns a list of changes.
// Each change is annotated with whether it is reloadable at runtime.
func Diff(old, new *Config) []Change {
	var changes []Change

	// ── Non-reloadable: listen ──
	diffField(&changes, "listen.host", old.Listen.Host, new.Listen.Host, false)
	diffField(&changes, "listen.port", old.Listen.Port, new.Listen.Port, false)
	diffField(&changes, "listen.grpc_port", old.Listen.GRPCPort, new.Listen.GRPCPort, false)
	diffField(&changes, "listen.max_connections", old.Listen.MaxConnections, new.Listen.MaxConnections, false)
	diffField(&changes, "listen.global_rate_limit", old.Listen.GlobalRateLimit, new.Listen.GlobalRateLimit, false)
	diffField(&changes, "listen.tls.cert_file", old.Listen.TLS.CertFile, new.Listen.TLS.CertFile, false)
	diffField(&changes, "listen.tls.key_file", old.Listen.TLS.KeyFile, new.Listen.TLS.KeyFile, false)

	// ── Non-reloadable: upstream client ──
	diffField(&changes, "upstream.timeout", old.Upstream.Timeout.Duration, new.Upstream.Timeout.Duration, false)
	diffField(&changes, "upstream.retry_max", old.Upstream.RetryMax, new.Upstream.RetryMax, false)
	diffField(&changes, "upstream.retry_wait_min", old.Upstream.RetryWaitMin.Duration, new.Upstream.RetryWaitMin.Duration, false)
	diffField(&changes, "upstream.retry_wait_max", old.Upstream.RetryWaitMax.Duration, new.Upstream.RetryWaitMax.Duration, false)

	// ── Reloadable: payload ──
	diffField(&changes, "payload.size_limit", old.Payload.SizeLimit, new.Payload.SizeLimit, true)
	diffField(&changes, "payload.probe_status", old.Payload.ProbeStatus, new.Payload.ProbeStatus, true)
	diffField(&changes, "payload.enforce", old.Payload.Enforce, new.Payload.Enforce, true)

	// ── Reloadable: apis ──
	diffAPIs(&changes, old.APIs, new.APIs)

	// ── Reloadable: logging ──
	diffField(&changes, "logging.level", old.Logging.Level, new.Logging.Level, true)
	diffField(&changes, "logging.audit.sampling_rate", old.Logging.Audit.SamplingRate, new.Logging.Audit.SamplingRate, true)
	diffField(&changes, "logging.audit.error_sampling_rate", old.Logging.Audit.ErrorSamplingRate, new.Logging.Audit.ErrorSamplingRate, true)

	// ── Non-reloadable: logging sink, health, shutdown ──
	diffField(&changes, "logging.format", old.Logging.Format, new.Logging.Format, false)
	diffField(&changes, "logging.output", old.Logging.Output, new.Logging.Output, false)
	diffField(&changes, "health.liveness_path", old.Health.LivenessPath, new.Health.LivenessPath, false)
	diffField(&changes, "health.readiness_path", old.Health.ReadinessPath, new.Health.ReadinessPath, false)
	diffField(&changes, "health.metrics_path", old.Health.MetricsPath, new.Health.MetricsPath, false)
	diffField(&changes, "shutdown.timeout", old.Shutdown.Timeout.Duration, new.Shutdown.Timeout.Duration, false)

	return changes
}

// diffField appends a Change if old != new using reflect.DeepEqual for comparison.
func diffField(changes *[]Change, field string, oldVal, newVal interface{}, reloadable bool) {
	if !reflect.DeepEqual(oldVal, newVal) {
		*changes = append(*changes, Change{
			Field:      field,
			OldValue:   oldVal,
			NewValue:   newVal,
			Reloadable: reloadable,
		})
	}
}

// diffAPIs compares API lists and produces per-API changes.
// API additions, removals, and setting changes are all reloadable.
func diffAPIs(changes *[]Change, oldAPIs, newAPIs []APIConfig) {
	oldMap := make(map[string]APIConfig, len(oldAPIs))
	for _, a := range oldAPIs {
		oldMap[a.Name] = a
	}
	newMap := make(map[string]APIConfig, len(newAPIs))
	for _, a := range newAPIs {
		newMap[a.Name] = a
	}

	for name := range oldMap {
		if _, exists := newMap[name]; !exists {
			*changes = append(*changes, Change{
				Field:      fmt.Sprintf("apis[%s]", name),
				OldValue:   oldMap[name],
				NewValue:   nil,
				Reloadable: true,
			})
		}
	}

	for name := range newMap {
		if _, exists := oldMap[name]; !exists {
			*changes = append(*changes, Change{
				Field:      fmt.Sprintf("apis[%s]", name),
				OldValue:   nil,
				NewValue:   newMap[name],
				Reloadable: true,
			})
		}
	}

	for name, o := range oldMap {
		n, exists := newMap[name]
		if !exists {
			continue
		}
		prefix := fmt.Sprintf("apis[%s]", name)
		diffField(changes, prefix+".path_prefix", o.PathPrefix, n.PathPrefix, true)
		diffField(changes, prefix+".upstream", o.Upstream, n.Upstream, true)
		diffField(changes, prefix+".grpc_service", o.GRPCService, n.GRPCService, true)
		diffField(changes, prefix+".default", o.Default, n.Default, true)
		diffFlow(changes, prefix+".inbound", o.Inbound, n.Inbound)
		diffFlow(changes, prefix+".outbound", o.Outbound, n.Outbound)
	}
}

// diffFlow compares resolved flow settings, so nil and an explicit value
// equal to the inherited one do not count as a change.
func diffFlow(changes *[]Change, prefix string, o, n FlowConfig) {
	diffField(changes, prefix+".enabled", o.IsEnabled(), n.IsEnabled(), true)
	diffField(changes, prefix+".size_limit", o.SizeLimit, n.SizeLimit, true)
	diffField(changes, prefix+".enforce", o.IsEnforced(), n.IsEnforced(), true)
}
