package config

// DevProfile returns a development configuration: verbose text logs, a
// single local upstream, verdicts logged but never enforced.
func DevProfile() string {
	return `# payload-sentinel development profile
listen:
  host: 127.0.0.1
  port: 8080
  max_connections: 100
  global_rate_limit: 1000

upstream:
  timeout: 10s
  retry_max: 1

payload:
  size_limit: "10"
  probe_status: 202
  enforce: false

apis:
  - name: local
    path_prefix: /
    upstream: http://127.0.0.1:9000
    default: true

logging:
  level: debug
  format: text
  output: stdout

reload:
  enabled: true
  watch_file: true
  debounce: 1s
`
}

// ProdProfile returns a production configuration: JSON logs, enforcement on,
// sampled audit records, gRPC surface enabled.
func ProdProfile() string {
	return `# payload-sentinel production profile
listen:
  host: 0.0.0.0
  port: 8080
  grpc_port: 9090
  max_connections: 5000
  global_rate_limit: 20000

upstream:
  timeout: 30s
  retry_max: 3
  retry_wait_min: 200ms
  retry_wait_max: 5s

payload:
  size_limit: "10"
  probe_status: 202
  enforce: true

apis:
  - name: api
    path_prefix: /
    upstream: https://api.internal.example.com
    default: true
    inbound:
      size_limit: "10"
    outbound:
      size_limit: "50"

logging:
  level: info
  format: json
  output: stdout
  audit:
    sampling_rate: 0.1
    error_sampling_rate: 1.0

shutdown:
  timeout: 30s

reload:
  enabled: true
  watch_file: true
  debounce: 2s
`
}
