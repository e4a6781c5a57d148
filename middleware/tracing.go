// Package middleware ships the framework's stock client and server
// middleware: distributed tracing over the job context map and Kafka
// job auditing.
package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/server"
	"github.com/fairyhunter13/gosoa/soa"
)

// contextMapCarrier adapts a job's context map to the OTel propagation
// carrier interface. Trace headers travel as plain string values next to
// the correlation id, so any peer that round-trips the context map
// preserves them.
type contextMapCarrier map[string]any

func (c contextMapCarrier) Get(key string) string {
	s, _ := c[key].(string)
	return s
}

func (c contextMapCarrier) Set(key, value string) { c[key] = value }

func (c contextMapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ClientTracing is a client middleware that opens a span per sent
// request and injects its context into the job's context map, so the
// receiving server can continue the trace.
type ClientTracing struct {
	client.BaseMiddleware
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewClientTracing builds the tracing middleware on the globally
// registered tracer provider.
func NewClientTracing() *ClientTracing {
	return &ClientTracing{
		tracer:     otel.Tracer("gosoa.client"),
		propagator: propagation.TraceContext{},
	}
}

// WrapSendRequest implements client.Middleware.
func (m *ClientTracing) WrapSendRequest(next client.SendRequestFunc) client.SendRequestFunc {
	return func(ctx context.Context, requestID int64, meta map[string]any, req *soa.JobRequest) error {
		ctx, span := m.tracer.Start(ctx, "client.send_request",
			trace.WithSpanKind(trace.SpanKindProducer),
			trace.WithAttributes(
				attribute.Int64("soa.request_id", requestID),
				attribute.Int("soa.actions", len(req.Actions)),
				attribute.String("soa.correlation_id", soa.CorrelationID(req.Context)),
			),
		)
		defer span.End()

		if req.Context == nil {
			req.Context = map[string]any{}
		}
		m.propagator.Inject(ctx, contextMapCarrier(req.Context))

		if err := next(ctx, requestID, meta, req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
		return nil
	}
}

// WrapReceiveResponse implements client.Middleware.
func (m *ClientTracing) WrapReceiveResponse(next client.ReceiveResponseFunc) client.ReceiveResponseFunc {
	return func(ctx context.Context, timeout time.Duration) (int64, *soa.JobResponse, error) {
		ctx, span := m.tracer.Start(ctx, "client.receive_response",
			trace.WithSpanKind(trace.SpanKindConsumer),
		)
		defer span.End()

		requestID, resp, err := next(ctx, timeout)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return requestID, resp, err
		}
		span.SetAttributes(attribute.Int64("soa.request_id", requestID))
		if resp != nil && resp.HasErrors() {
			span.SetStatus(codes.Error, resp.Errors[0].Message)
		}
		return requestID, resp, nil
	}
}

// ServerTracing is a server middleware that continues the trace injected
// by ClientTracing: one span per job and a child span per action.
type ServerTracing struct {
	server.BaseMiddleware
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
}

// NewServerTracing builds the tracing middleware on the globally
// registered tracer provider.
func NewServerTracing() *ServerTracing {
	return &ServerTracing{
		tracer:     otel.Tracer("gosoa.server"),
		propagator: propagation.TraceContext{},
	}
}

// WrapJob implements server.Middleware.
func (m *ServerTracing) WrapJob(next server.JobFunc) server.JobFunc {
	return func(ctx context.Context, req *soa.JobRequest) *soa.JobResponse {
		if req.Context != nil {
			ctx = m.propagator.Extract(ctx, contextMapCarrier(req.Context))
		}
		ctx, span := m.tracer.Start(ctx, "server.process_job",
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.Int("soa.actions", len(req.Actions)),
				attribute.String("soa.correlation_id", soa.CorrelationID(req.Context)),
			),
		)
		defer span.End()

		resp := next(ctx, req)
		if resp.HasErrors() {
			span.SetStatus(codes.Error, resp.Errors[0].Message)
		}
		return resp
	}
}

// WrapAction implements server.Middleware.
func (m *ServerTracing) WrapAction(next server.ActionFunc) server.ActionFunc {
	return func(ctx context.Context, req *server.ActionRequest) *soa.ActionResponse {
		ctx, span := m.tracer.Start(ctx, "action."+req.Action)
		defer span.End()

		resp := next(ctx, req)
		if resp.HasErrors() {
			span.SetStatus(codes.Error, resp.Errors[0].Message)
		}
		return resp
	}
}
