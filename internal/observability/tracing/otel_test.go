package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabledInstallsPropagator(t *testing.T) {
	p, err := Init(context.Background(), DefaultConfig("rx-api"))
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Shutdown(context.Background()))

	fields := otel.GetTextMapPropagator().Fields()
	assert.Contains(t, fields, "traceparent")
}

func TestSampler(t *testing.T) {
	assert.Equal(t, "AlwaysOnSampler", sampler(1).Description())
	assert.Equal(t, "AlwaysOffSampler", sampler(0).Description())
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestInitRequiresEndpointWhenEnabled(t *testing.T) {
	cfg := DefaultConfig("rx-api")
	cfg.Enabled = true
	cfg.OTLPEndpoint = ""
	_, err := Init(context.Background(), cfg)
	assert.Error(t, err)
}

func TestServiceResource(t *testing.T) {
	cfg := DefaultConfig("ledger-gateway")
	cfg.Environment = "staging"
	res, err := serviceResource(cfg)
	require.NoError(t, err)

	attrs := map[string]string{}
	for _, kv := range res.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	assert.Equal(t, "ledger-gateway", attrs["service.name"])
	assert.Equal(t, "staging", attrs["deployment.environment"])
}
