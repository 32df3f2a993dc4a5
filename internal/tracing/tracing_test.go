package tracing

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
	return recorder
}

func TestInit_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "token-distributor", SampleRatio: 0.1})
	require.NoError(t, err)

	_, span := StartUnit(context.Background(), "process.submit")
	assert.False(t, span.SpanContext().IsValid())
	End(span, nil)

	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
}

func TestResourceAttributes(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "token-distributor", Network: "devnet", Mint: "M1"})
	assert.Contains(t, attrs, attribute.String("service.name", "token-distributor"))
	assert.Contains(t, attrs, attribute.String("solana.network", "devnet"))
	assert.Contains(t, attrs, attribute.String("distributor.mint", "M1"))

	assert.Len(t, resourceAttributes(Config{ServiceName: "x"}), 1)
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, 1, 1.5} {
		assert.Equal(t, sdktrace.AlwaysSample().Description(), sampler(ratio).Description(), "ratio %v", ratio)
	}
	assert.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased{0.25}")
}

func TestEnd_Statuses(t *testing.T) {
	recorder := recordSpans(t)

	_, ok := StartUnit(context.Background(), "process.construct", attribute.String("batch_id", "b1"))
	End(ok, nil)
	_, failed := StartUnit(context.Background(), "process.complete")
	End(failed, errors.New("rpc down"))
	_, canceled := StartUnit(context.Background(), "process.submit")
	End(canceled, fmt.Errorf("send: %w", context.Canceled))

	spans := recorder.Ended()
	require.Len(t, spans, 3)

	assert.Equal(t, "process.construct", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("batch_id", "b1"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Equal(t, "rpc down", spans[1].Status().Description)
	require.Len(t, spans[1].Events(), 1)

	assert.Equal(t, codes.Unset, spans[2].Status().Code)
	assert.Contains(t, spans[2].Attributes(), attribute.Bool("unit.canceled", true))
	assert.Empty(t, spans[2].Events())
}
