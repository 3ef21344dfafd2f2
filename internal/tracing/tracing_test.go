package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, "test")
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestLogAttrs(t *testing.T) {
	assert.Nil(t, LogAttrs(context.Background()))

	tp := sdktrace.NewTracerProvider()
	defer tp.Shutdown(context.Background())
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	attrs := LogAttrs(ctx)
	require.Len(t, attrs, 2)
	assert.Equal(t, "trace_id", attrs[0])
	assert.Equal(t, span.SpanContext().TraceID().String(), attrs[1])
}
