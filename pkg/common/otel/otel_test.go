package otel

import (
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ahrav/reportflow/pkg/common/logger"
)

func TestInitTelemetry_NoEndpointUsesNoop(t *testing.T) {
	providers, cleanup, err := InitTelemetry(logger.New(io.Discard, logger.LevelDebug, "test", nil), Config{ServiceName: "test"})
	require.NoError(t, err)
	defer cleanup(context.Background())

	ctx, span := providers.Tracer.Tracer("test").Start(context.Background(), "op")
	defer span.End()
	assert.Equal(t, emptyTraceID, GetTraceID(ctx))
}

func TestEndpointExcluder(t *testing.T) {
	ee := newEndpointExcluder(map[string]struct{}{"/v1/health": {}}, 1.0)

	res := ee.ShouldSample(sdktrace.SamplingParameters{Name: "/v1/health"})
	assert.Equal(t, sdktrace.Drop, res.Decision)

	res = ee.ShouldSample(sdktrace.SamplingParameters{Name: "/v1/reports"})
	assert.Equal(t, sdktrace.RecordAndSample, res.Decision)
}

func TestGetTraceID_WithSpan(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	assert.NotEqual(t, emptyTraceID, GetTraceID(ctx))
	assert.Len(t, GetTraceID(ctx), 32)
}
