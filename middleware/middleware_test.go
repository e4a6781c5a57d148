package middleware

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/gosoa/server"
	"github.com/fairyhunter13/gosoa/soa"
)

func TestContextMapCarrier(t *testing.T) {
	carrier := contextMapCarrier{
		"correlation_id": "abc",
		"request_id":     int64(5), // non-string values read as empty
	}
	require.Equal(t, "abc", carrier.Get("correlation_id"))
	require.Empty(t, carrier.Get("request_id"))
	require.Empty(t, carrier.Get("missing"))

	carrier.Set("traceparent", "00-xyz")
	require.Equal(t, "00-xyz", carrier.Get("traceparent"))
	require.ElementsMatch(t, []string{"correlation_id", "request_id", "traceparent"}, carrier.Keys())
}

func TestTracePropagatesThroughJobContext(t *testing.T) {
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	// Client side: sending a request injects the active span's identity
	// into the job context map.
	var wireContext map[string]any
	send := NewClientTracing().WrapSendRequest(func(ctx context.Context, requestID int64, meta map[string]any, req *soa.JobRequest) error {
		wireContext = req.Context
		return nil
	})
	req := &soa.JobRequest{
		Actions: []soa.ActionRequest{{Action: "square"}},
		Context: map[string]any{soa.ContextCorrelationID: "corr"},
	}
	require.NoError(t, send(context.Background(), 1, map[string]any{}, req))
	traceparent, _ := wireContext["traceparent"].(string)
	require.NotEmpty(t, traceparent, "the client span travels in the context map")

	// Server side: processing the job continues that trace.
	var serverSpan trace.SpanContext
	process := NewServerTracing().WrapJob(func(ctx context.Context, req *soa.JobRequest) *soa.JobResponse {
		serverSpan = trace.SpanContextFromContext(ctx)
		return &soa.JobResponse{}
	})
	process(context.Background(), &soa.JobRequest{Context: wireContext})
	require.True(t, serverSpan.IsValid())
	require.Contains(t, traceparent, serverSpan.TraceID().String(),
		"the server span belongs to the trace the client started")
}

func TestServerTracingWrapsActions(t *testing.T) {
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(sdktrace.NewTracerProvider())
	t.Cleanup(func() { otel.SetTracerProvider(previous) })

	wrapped := NewServerTracing().WrapAction(func(ctx context.Context, req *server.ActionRequest) *soa.ActionResponse {
		require.True(t, trace.SpanContextFromContext(ctx).IsValid())
		return &soa.ActionResponse{Action: req.Action}
	})
	resp := wrapped(context.Background(), &server.ActionRequest{Action: "square"})
	require.Equal(t, "square", resp.Action)
}

func TestAuditRecordShape(t *testing.T) {
	raw, err := json.Marshal(auditRecord{
		Service:       "math",
		CorrelationID: "corr",
		Actions:       []string{"square", "echo"},
		JobErrors:     0,
		ActionErrors:  1,
		DurationMS:    12,
		Timestamp:     time.Now().UTC().Format(time.RFC3339Nano),
	})
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	for _, key := range []string{"service", "correlation_id", "actions", "job_errors", "action_errors", "duration_ms", "timestamp"} {
		require.Contains(t, doc, key)
	}
	require.Equal(t, []any{"square", "echo"}, doc["actions"])
}
