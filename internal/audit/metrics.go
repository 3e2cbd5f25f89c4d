package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// millisecondsPerSecond is the conversion factor from milliseconds to seconds.
const millisecondsPerSecond = 1000.0

// megabyteBuckets covers payloads from a few kilobytes up to 100 MB.
var megabyteBuckets = []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 25, 50, 100}

// Metrics tracks gateway metrics and serves them in Prometheus text format.
// It uses a custom prometheus.Registry for isolation and testability.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimitHits   *prometheus.CounterVec
	upstreamLatency *prometheus.HistogramVec

	inspectionsTotal *prometheus.CounterVec
	oversizeTotal    *prometheus.CounterVec
	payloadSize      *prometheus.HistogramVec
	inspectionFaults *prometheus.CounterVec
	policyBlocks     *prometheus.CounterVec

	grpcRequestsTotal *prometheus.CounterVec

	configReloads    *prometheus.CounterVec
	configReloadTime prometheus.Gauge
	buildInfo        *prometheus.GaugeVec
}

// NewMetrics creates a new Metrics collector with a custom Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_requests_total",
			Help: "Total number of HTTP requests processed by the gateway.",
		}, []string{"api", "method", "status"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payload_sentinel_request_duration_seconds",
			Help:    "Request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api", "method"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_rate_limit_hits_total",
			Help: "Total number of rate limit hits.",
		}, []string{"layer"}),

		upstreamLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payload_sentinel_upstream_latency_seconds",
			Help:    "Upstream response time in seconds, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"api"}),

		inspectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_inspections_total",
			Help: "Total number of completed payload size measurements.",
		}, []string{"api", "flow", "method"}),

		oversizeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_oversize_total",
			Help: "Total number of messages flagged as larger than the size limit.",
		}, []string{"api", "flow"}),

		payloadSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "payload_sentinel_payload_megabytes",
			Help:    "Measured payload size in megabytes (1 MB = 1,048,576 bytes).",
			Buckets: megabyteBuckets,
		}, []string{"api", "flow"}),

		inspectionFaults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_inspection_faults_total",
			Help: "Total number of payload inspections that ended in a fault.",
		}, []string{"api", "flow", "reason"}),

		policyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_policy_blocks_total",
			Help: "Total number of messages rejected by the size policy.",
		}, []string{"api", "flow"}),

		grpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_grpc_requests_total",
			Help: "Total number of gRPC requests processed.",
		}, []string{"api", "method", "code"}),

		configReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payload_sentinel_config_reloads_total",
			Help: "Total number of configuration reload attempts.",
		}, []string{"result"}),

		configReloadTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "payload_sentinel_config_reload_timestamp_seconds",
			Help: "Unix timestamp of the last applied configuration reload.",
		}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "payload_sentinel_build_info",
			Help: "Build information about the payload-sentinel binary. Value is always 1.",
		}, []string{"version", "go_version"}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.rateLimitHits,
		m.upstreamLatency,
		m.inspectionsTotal,
		m.oversizeTotal,
		m.payloadSize,
		m.inspectionFaults,
		m.policyBlocks,
		m.grpcRequestsTotal,
		m.configReloads,
		m.configReloadTime,
		m.buildInfo,
	)

	return m
}

// RecordRequest increments the request counter for the given api, method, and status code.
func (m *Metrics) RecordRequest(api, method string, status int) {
	m.requestsTotal.WithLabelValues(api, method, strconv.Itoa(status)).Inc()
}

// RecordLatency records request duration in milliseconds.
// The value is converted to seconds internally for Prometheus convention compliance.
func (m *Metrics) RecordLatency(api, method string, ms float64) {
	m.requestDuration.WithLabelValues(api, method).Observe(ms / millisecondsPerSecond)
}

// RecordRateLimitHit records a rate limit event for the given layer.
func (m *Metrics) RecordRateLimitHit(layer string) {
	m.rateLimitHits.WithLabelValues(layer).Inc()
}

// RecordUpstreamLatency records upstream response time in seconds.
func (m *Metrics) RecordUpstreamLatency(api string, seconds float64) {
	m.upstreamLatency.WithLabelValues(api).Observe(seconds)
}

// RecordInspection records one completed measurement. Method is "header" or "drain".
func (m *Metrics) RecordInspection(api, flow, method string, megabytes float64, oversize bool) {
	m.inspectionsTotal.WithLabelValues(api, flow, method).Inc()
	m.payloadSize.WithLabelValues(api, flow).Observe(megabytes)
	if oversize {
		m.oversizeTotal.WithLabelValues(api, flow).Inc()
	}
}

// RecordInspectionFault records an inspection that ended in a fault.
func (m *Metrics) RecordInspectionFault(api, flow, reason string) {
	m.inspectionFaults.WithLabelValues(api, flow, reason).Inc()
}

// RecordPolicyBlock records a message rejected by the size policy.
func (m *Metrics) RecordPolicyBlock(api, flow string) {
	m.policyBlocks.WithLabelValues(api, flow).Inc()
}

// RecordGRPCRequest increments the gRPC request counter.
func (m *Metrics) RecordGRPCRequest(api, method, code string) {
	m.grpcRequestsTotal.WithLabelValues(api, method, code).Inc()
}

// RecordConfigReload records a configuration reload outcome
// ("applied", "unchanged" or "rejected").
func (m *Metrics) RecordConfigReload(result string) {
	m.configReloads.WithLabelValues(result).Inc()
	if result == "applied" {
		m.configReloadTime.Set(float64(time.Now().Unix()))
	}
}

// SetBuildInfo sets the build information gauge. The gauge value is always 1;
// version and Go version are exposed as labels.
func (m *Metrics) SetBuildInfo(version, goVersion string) {
	m.buildInfo.WithLabelValues(version, goVersion).Set(1)
}

// Handler returns an HTTP handler that serves metrics in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
