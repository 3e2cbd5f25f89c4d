package health

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
)

// ReadinessChecker is what the readiness probe needs from the gateway.
// This avoids a direct dependency on the router and inspector packages.
type ReadinessChecker interface {
	APINames() []string  // APIs currently routed
	InspectedFlows() int // inspection flows currently enabled
}

// SimpleReadinessChecker adapts two functions to ReadinessChecker.
type SimpleReadinessChecker struct {
	APINamesFn func() []string
	FlowsFn    func() int
}

// APINames returns the routed API names via APINamesFn.
func (s *SimpleReadinessChecker) APINames() []string { return s.APINamesFn() }

// InspectedFlows returns the number of enabled flows via FlowsFn.
func (s *SimpleReadinessChecker) InspectedFlows() int { return s.FlowsFn() }

// Handler provides HTTP health check endpoints.
type Handler struct {
	checker       ReadinessChecker
	version       string
	livenessPath  string
	readinessPath string
	draining      atomic.Bool
}

// NewHandler creates a health check handler serving the given paths.
// Empty paths default to /healthz and /readyz.
func NewHandler(checker ReadinessChecker, version, livenessPath, readinessPath string) *Handler {
	if livenessPath == "" {
		livenessPath = "/healthz"
	}
	if readinessPath == "" {
		readinessPath = "/readyz"
	}
	return &Handler{
		checker:       checker,
		version:       version,
		livenessPath:  livenessPath,
		readinessPath: readinessPath,
	}
}

// SetDraining makes readiness fail while the gateway shuts down.
func (h *Handler) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// ServeHTTP routes to the appropriate health endpoint.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case h.livenessPath:
		h.handleLiveness(w, r)
	case h.readinessPath:
		h.handleReadiness(w, r)
	default:
		http.NotFound(w, r)
	}
}

// LivenessResponse is the JSON response for the liveness probe.
type LivenessResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ReadinessResponse is the JSON response for the readiness probe.
type ReadinessResponse struct {
	Status         string   `json:"status"`
	APIs           []string `json:"apis"`
	InspectedFlows int      `json:"inspected_flows"`
	Draining       bool     `json:"draining,omitempty"`
}

func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(LivenessResponse{
		Status:  "ok",
		Version: h.version,
	})
}

func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	resp := ReadinessResponse{
		APIs:     []string{},
		Draining: h.draining.Load(),
	}
	if h.checker != nil {
		if names := h.checker.APINames(); names != nil {
			resp.APIs = names
		}
		resp.InspectedFlows = h.checker.InspectedFlows()
	}

	w.Header().Set("Content-Type", "application/json")
	if len(resp.APIs) > 0 && !resp.Draining {
		resp.Status = "ready"
		w.WriteHeader(http.StatusOK)
	} else {
		resp.Status = "not_ready"
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(resp)
}
