package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// installRecorder swaps the global provider for one backed by a span recorder.
func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	prev := otel.GetTracerProvider()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})
	return recorder
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "peerlink", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInit_DisabledIsNoop(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestTraceSignalMessage_RecordsAttributes(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceSignalMessage(context.Background(), "accept-connection-request", "s-1", "bob@10.0.0.2")
	RecordError(ctx, errors.New("stale"))
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "signal.accept-connection-request", ended[0].Name())
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Contains(t, ended[0].Attributes(), SessionIDKey.String("s-1"))
	assert.Contains(t, ended[0].Attributes(), PeerKey.String("bob@10.0.0.2"))
}

func TestTraceNegotiation(t *testing.T) {
	recorder := installRecorder(t)

	ctx, span := TraceNegotiation(context.Background(), "create_offer", "alice@10.0.0.1")
	AddSpanAttributes(ctx, attribute.Int("candidates.buffered", 2))
	MeasureDuration(ctx, time.Now().Add(-5*time.Millisecond), "create_offer")
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Contains(t, ended[0].Attributes(), attribute.Int("candidates.buffered", 2))
}

func TestTraceHelpers_WithoutProvider(t *testing.T) {
	ctx := context.Background()

	_, span := TraceHTTPRequest(ctx, "GET", "/health")
	assert.NotNil(t, span)
	span.End()

	_, span = TraceStorageOperation(ctx, "load", "sqlite")
	assert.NotNil(t, span)
	span.End()
}
