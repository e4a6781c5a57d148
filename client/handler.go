package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// serviceHandler owns one service's transport, its composed middleware
// onion, and the response router that lets any number of goroutines await
// distinct request ids on the single reply queue.
//
// The router works on a single-receiver token: at most one goroutine
// blocks on the transport at a time. Responses for other waiters are
// stashed by request id and announced by closing the arrival channel;
// waiters not holding the token select on that channel instead of the
// broker.
type serviceHandler struct {
	serviceName string
	transport   transport.ClientTransport
	send        SendRequestFunc
	receive     ReceiveResponseFunc

	mu        sync.Mutex
	receiving bool
	stash     map[int64]*soa.JobResponse
	arrival   chan struct{}
}

func newServiceHandler(serviceName string, t transport.ClientTransport, stack []Middleware) *serviceHandler {
	h := &serviceHandler{
		serviceName: serviceName,
		transport:   t,
		stash:       map[int64]*soa.JobResponse{},
		arrival:     make(chan struct{}),
	}
	h.send = composeSend(stack, h.baseSend)
	h.receive = composeReceive(stack, h.baseReceive)
	return h
}

func (h *serviceHandler) baseSend(ctx context.Context, requestID int64, meta map[string]any, req *soa.JobRequest) error {
	expiry := req.Control.Timeout + expiryBuffer
	return h.transport.SendRequestMessage(ctx, requestID, meta, req.ToMap(), expiry)
}

func (h *serviceHandler) baseReceive(ctx context.Context, timeout time.Duration) (int64, *soa.JobResponse, error) {
	requestID, _, body, err := h.transport.ReceiveResponseMessage(ctx, timeout)
	if err != nil {
		return 0, nil, err
	}
	resp, err := soa.JobResponseFromMap(body)
	if err != nil {
		return 0, nil, fmt.Errorf("op=client.serviceHandler.baseReceive: %w", err)
	}
	return requestID, resp, nil
}

// waitForResponse blocks until the response for requestID arrives, the
// timeout elapses, or the transport fails. Responses for other request
// ids observed along the way are stashed for their own waiters.
func (h *serviceHandler) waitForResponse(ctx context.Context, requestID int64, timeout time.Duration) (*soa.JobResponse, error) {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		if resp, ok := h.stash[requestID]; ok {
			delete(h.stash, requestID)
			h.mu.Unlock()
			return resp, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.mu.Unlock()
			return nil, &transport.ReceiveTimeout{Queue: h.serviceName, Waited: timeout}
		}
		if h.receiving {
			// Another goroutine holds the receiver token; wait for it
			// to announce an arrival or release.
			arrival := h.arrival
			h.mu.Unlock()
			select {
			case <-arrival:
			case <-ctx.Done():
				return nil, &transport.ReceiveTimeout{Queue: h.serviceName, Waited: timeout}
			case <-time.After(remaining):
			}
			continue
		}
		h.receiving = true
		h.mu.Unlock()

		gotID, resp, err := h.receive(ctx, remaining)

		h.mu.Lock()
		h.receiving = false
		if err == nil && gotID != requestID {
			h.stash[gotID] = resp
		}
		close(h.arrival)
		h.arrival = make(chan struct{})
		h.mu.Unlock()

		switch {
		case err == nil && gotID == requestID:
			return resp, nil
		case err == nil:
			continue
		case errors.Is(err, transport.ErrNoMessage) || errors.Is(err, transport.ErrNothingOutstanding):
			// Window elapsed empty; loop re-checks the deadline.
			continue
		default:
			return nil, err
		}
	}
}

// receiveAny pops one response regardless of request id, serving the
// response stream API. Stashed responses drain first.
func (h *serviceHandler) receiveAny(ctx context.Context, timeout time.Duration) (int64, *soa.JobResponse, error) {
	deadline := time.Now().Add(timeout)
	for {
		h.mu.Lock()
		for id, resp := range h.stash {
			delete(h.stash, id)
			h.mu.Unlock()
			return id, resp, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			h.mu.Unlock()
			return 0, nil, transport.ErrNoMessage
		}
		if h.receiving {
			arrival := h.arrival
			h.mu.Unlock()
			select {
			case <-arrival:
			case <-ctx.Done():
				return 0, nil, transport.ErrNoMessage
			case <-time.After(remaining):
			}
			continue
		}
		h.receiving = true
		h.mu.Unlock()

		gotID, resp, err := h.receive(ctx, remaining)

		h.mu.Lock()
		h.receiving = false
		close(h.arrival)
		h.arrival = make(chan struct{})
		h.mu.Unlock()
		return gotID, resp, err
	}
}

func (h *serviceHandler) Close() error { return h.transport.Close() }
