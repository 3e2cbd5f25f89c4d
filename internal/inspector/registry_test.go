package inspector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivars7/payload-sentinel/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func registryConfig() *config.Config {
	cfg := &config.Config{
		Payload: config.PayloadConfig{SizeLimit: "10", ProbeStatus: 202, Enforce: true},
		APIs: []config.APIConfig{
			{Name: "orders", PathPrefix: "/orders", Upstream: "http://orders"},
			{
				Name: "uploads", PathPrefix: "/uploads", Upstream: "http://uploads",
				Inbound:  config.FlowConfig{SizeLimit: "50", Enforce: boolPtr(false)},
				Outbound: config.FlowConfig{Enabled: boolPtr(false)},
			},
		},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestNewRegistry_ResolvesFlows(t *testing.T) {
	reg, err := NewRegistry(registryConfig(), quietLogger())
	require.NoError(t, err)
	assert.Equal(t, 3, reg.Len())

	f, ok := reg.Flow("orders", FlowInbound)
	require.True(t, ok)
	assert.Equal(t, 10, f.Inspector.LimitMB())
	assert.True(t, f.Enforce)
	assert.Equal(t, "orders", f.Inspector.APIName())
	assert.Equal(t, FlowInbound, f.Inspector.FlowDirection())

	f, ok = reg.Flow("uploads", FlowInbound)
	require.True(t, ok)
	assert.Equal(t, 50, f.Inspector.LimitMB())
	assert.False(t, f.Enforce)

	_, ok = reg.Flow("uploads", FlowOutbound)
	assert.False(t, ok, "disabled flow must not be registered")

	_, ok = reg.Flow("missing", FlowInbound)
	assert.False(t, ok)
}

func TestNewRegistry_InvalidLimit(t *testing.T) {
	cfg := registryConfig()
	cfg.APIs[0].Inbound.SizeLimit = "lots"
	_, err := NewRegistry(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `api "orders" inbound`)
}

func TestRegistry_NilIsEmpty(t *testing.T) {
	var reg *Registry
	_, ok := reg.Flow("orders", FlowInbound)
	assert.False(t, ok)
	assert.Equal(t, 0, reg.Len())
}

func TestAtomicRegistry_Swap(t *testing.T) {
	first, err := NewRegistry(registryConfig(), quietLogger())
	require.NoError(t, err)
	a := NewAtomicRegistry(first)

	f, ok := a.Flow("orders", FlowInbound)
	require.True(t, ok)
	assert.Equal(t, 10, f.Inspector.LimitMB())

	cfg := registryConfig()
	cfg.APIs[0].Inbound.SizeLimit = "3"
	second, err := NewRegistry(cfg, quietLogger())
	require.NoError(t, err)
	a.Store(second)

	f, ok = a.Flow("orders", FlowInbound)
	require.True(t, ok)
	assert.Equal(t, 3, f.Inspector.LimitMB())
	assert.Same(t, second, a.Load())
}

func TestAtomicRegistry_Empty(t *testing.T) {
	a := NewAtomicRegistry(nil)
	_, ok := a.Flow("orders", FlowInbound)
	assert.False(t, ok)
}
