package server

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/serializer"
	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport/redisgateway"
)

func gatewaySettings(addr string) *redisgateway.Settings {
	return &redisgateway.Settings{
		BackendType:      redisgateway.BackendStandard,
		Addresses:        []string{addr},
		QueueCapacity:    100,
		QueueFullRetries: 2,
		MessageExpiry:    time.Minute,
		ReceiveTimeout:   time.Second,
		ChunkGapWait:     time.Second,
		ProtocolVersion:  3,
		ContentType:      serializer.ContentTypeMsgpack,
	}
}

// startService builds a server over the gateway transport, registers its
// actions, and runs its loop until the test ends.
func startService(t *testing.T, addr, name string, routing *client.Routing, register func(*Server)) {
	t.Helper()
	gw := gatewaySettings(addr)
	tr, err := redisgateway.NewServerTransport(name, gw)
	require.NoError(t, err)

	srv, err := NewWithTransport(&Settings{
		ServiceName:    name,
		ReceiveTimeout: 100 * time.Millisecond,
		ClientRouting:  routing,
	}, tr)
	require.NoError(t, err)
	register(srv)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background(), 0) }()
	t.Cleanup(func() {
		srv.Shutdown()
		require.NoError(t, <-done)
		_ = srv.Close()
	})
}

// startMesh stands up the math and words services over one miniredis and
// returns a client routed at them.
func startMesh(t *testing.T) *client.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	routing := &client.Routing{Default: gatewaySettings(mr.Addr())}

	startService(t, mr.Addr(), "words", nil, func(srv *Server) {
		require.NoError(t, srv.RegisterAction("tag", ActionRecord{
			Handler: func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
				return map[string]any{
					"tag":         req.Body["word"],
					"correlation": soa.CorrelationID(req.Context),
				}, nil
			},
		}))
	})

	startService(t, mr.Addr(), "math", routing, func(srv *Server) {
		require.NoError(t, srv.RegisterAction("square", ActionRecord{
			Handler: func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
				n, ok := req.Body["number"].(int64)
				if !ok {
					return nil, FailField(soa.CodeInvalid, "number", "number is required")
				}
				return map[string]any{"square": n * n}, nil
			},
		}))
		require.NoError(t, srv.RegisterAction("tag_number", ActionRecord{
			Handler: func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
				inner, err := req.Client.CallAction(ctx, "words", "tag",
					map[string]any{"word": req.Body["word"]})
				if err != nil {
					return nil, err
				}
				return inner.Body, nil
			},
		}))
	})

	c, err := client.New(&client.Settings{
		Transport:      routing.Factory(),
		Context:        map[string]any{soa.ContextCorrelationID: "e2e-corr"},
		DefaultTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestEndToEndRoundTrip(t *testing.T) {
	c := startMesh(t)

	resp, err := c.CallAction(context.Background(), "math", "square", map[string]any{"number": int64(6)})
	require.NoError(t, err)
	require.Equal(t, int64(36), resp.Body["square"])
}

func TestEndToEndActionErrorOverWire(t *testing.T) {
	c := startMesh(t)

	_, err := c.CallAction(context.Background(), "math", "square", nil)
	var actionErr *soa.CallActionError
	require.ErrorAs(t, err, &actionErr)
	require.Equal(t, soa.CodeInvalid, actionErr.Actions[0].Errors[0].Code)
	require.Equal(t, "number", actionErr.Actions[0].Errors[0].Field)
}

func TestEndToEndNestedCallPropagatesCorrelation(t *testing.T) {
	c := startMesh(t)

	resp, err := c.CallAction(context.Background(), "math", "tag_number",
		map[string]any{"word": "six"})
	require.NoError(t, err)
	require.Equal(t, "six", resp.Body["tag"])
	require.Equal(t, "e2e-corr", resp.Body["correlation"],
		"the job's correlation id must flow through the nested client")
}

func TestEndToEndParallelJobs(t *testing.T) {
	c := startMesh(t)

	actions := make([]soa.ActionRequest, 5)
	for i := range actions {
		actions[i] = soa.ActionRequest{Action: "square", Body: map[string]any{"number": int64(i + 1)}}
	}
	responses, err := c.CallActionsParallel(context.Background(), "math", actions)
	require.NoError(t, err)
	require.Len(t, responses, 5)
	for i, resp := range responses {
		n := int64(i + 1)
		require.Equal(t, n*n, resp.Body["square"])
	}
}

func TestEndToEndStatusOverWire(t *testing.T) {
	c := startMesh(t)

	resp, err := c.CallAction(context.Background(), "math", "status",
		map[string]any{"verbose": false})
	require.NoError(t, err)
	require.Equal(t, "math", resp.Body["service"])
	require.Equal(t, Version, resp.Body["gosoa_version"])
}
