package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitDisabledInstallsNoop(t *testing.T) {
	t.Setenv("FOREMAN_OTEL_ENABLED", "")
	shutdown, err := Init(context.Background(), false, "fm", "test")
	require.NoError(t, err)
	_, span := Tracer("").Start(context.Background(), "x")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitEnabled(t *testing.T) {
	t.Setenv("FOREMAN_OTEL_ENABLED", "true")
	shutdown, err := Init(context.Background(), false, "fm", "test")
	require.NoError(t, err)
	_, span := Tracer("").Start(context.Background(), "x")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
	counter, err := Meter("").Int64Counter("foreman.test")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)
	assert.NoError(t, shutdown(context.Background()))
}
