package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracer_WithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{ServiceName: "txscan"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestNewSpanContext(t *testing.T) {
	id, hexID, ok := NewTraceID()
	require.True(t, ok)
	assert.Len(t, hexID, 32)

	spanCtx, ok := NewSpanContext(id)
	require.True(t, ok)
	assert.True(t, spanCtx.IsValid())
	assert.True(t, spanCtx.IsSampled())
	assert.Equal(t, hexID, spanCtx.TraceID().String())
}
