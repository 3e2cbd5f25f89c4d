package inspector

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/vivars7/payload-sentinel/internal/config"
)

// Flow directions.
const (
	FlowInbound  = "inbound"
	FlowOutbound = "outbound"
)

// Flow is the inspection setup for one direction of one API.
type Flow struct {
	Inspector *Inspector
	// Enforce tells the policy stage to reject oversize messages.
	Enforce bool
}

type flowKey struct {
	api, direction string
}

// Registry holds one Inspector per enabled API flow. It is built from a
// config snapshot and never mutated; reloads build a new Registry.
type Registry struct {
	flows map[flowKey]Flow
}

// NewRegistry builds inspectors for every enabled flow in cfg. Options are
// applied to each inspector.
func NewRegistry(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{flows: make(map[flowKey]Flow, 2*len(cfg.APIs))}
	for _, api := range cfg.APIs {
		for _, f := range []struct {
			direction string
			fc        config.FlowConfig
		}{
			{FlowInbound, api.Inbound},
			{FlowOutbound, api.Outbound},
		} {
			if !f.fc.IsEnabled() {
				continue
			}
			limit := f.fc.SizeLimit
			if limit == "" {
				limit = cfg.Payload.SizeLimit
			}
			insp, err := New(Config{
				SizeLimit:     limit,
				APIName:       api.Name,
				FlowDirection: f.direction,
				ProbeStatus:   cfg.Payload.ProbeStatus,
			}, append([]Option{WithLogger(logger)}, opts...)...)
			if err != nil {
				return nil, fmt.Errorf("api %q %s: %w", api.Name, f.direction, err)
			}
			r.flows[flowKey{api.Name, f.direction}] = Flow{
				Inspector: insp,
				Enforce:   f.fc.IsEnforced(),
			}
		}
	}
	return r, nil
}

// Flow returns the inspection setup for api and direction. ok is false when
// the flow is disabled or the API is unknown.
func (r *Registry) Flow(api, direction string) (Flow, bool) {
	if r == nil {
		return Flow{}, false
	}
	f, ok := r.flows[flowKey{api, direction}]
	return f, ok
}

// Len returns the number of enabled flows.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.flows)
}

// AtomicRegistry serves flows from the most recently stored Registry.
// Messages already in flight keep the inspector they resolved.
type AtomicRegistry struct {
	p atomic.Pointer[Registry]
}

// NewAtomicRegistry returns an AtomicRegistry serving reg.
func NewAtomicRegistry(reg *Registry) *AtomicRegistry {
	a := &AtomicRegistry{}
	a.Store(reg)
	return a
}

// Store replaces the served registry.
func (a *AtomicRegistry) Store(reg *Registry) {
	a.p.Store(reg)
}

// Load returns the served registry.
func (a *AtomicRegistry) Load() *Registry {
	return a.p.Load()
}

// Flow implements the flow lookup against the current registry.
func (a *AtomicRegistry) Flow(api, direction string) (Flow, bool) {
	return a.p.Load().Flow(api, direction)
}
