package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func resourceValue(t *testing.T, cfg Config, key attribute.Key) (string, bool) {
	t.Helper()
	res, err := newResource(cfg)
	require.NoError(t, err)
	v, ok := res.Set().Value(key)
	return v.AsString(), ok
}

func TestNewResource_DefaultServiceName(t *testing.T) {
	name, ok := resourceValue(t, Config{}, semconv.ServiceNameKey)
	require.True(t, ok)
	assert.Equal(t, DefaultServiceName, name)

	_, ok = resourceValue(t, Config{}, semconv.ServiceVersionKey)
	assert.False(t, ok)
}

func TestNewResource_Overrides(t *testing.T) {
	cfg := Config{ServiceName: "penpalsync-dev", ServiceVersion: "1.2.3"}

	name, _ := resourceValue(t, cfg, semconv.ServiceNameKey)
	assert.Equal(t, "penpalsync-dev", name)

	version, ok := resourceValue(t, cfg, semconv.ServiceVersionKey)
	require.True(t, ok)
	assert.Equal(t, "1.2.3", version)
}

func TestNoopShutdown(t *testing.T) {
	assert.NoError(t, noopShutdown(context.Background()))
}
