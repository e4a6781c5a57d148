package client

import (
	"context"
	"time"

	"github.com/fairyhunter13/gosoa/soa"
)

// SendRequestFunc sends one job request. Middleware wraps it on the way
// out of the client.
type SendRequestFunc func(ctx context.Context, requestID int64, meta map[string]any, req *soa.JobRequest) error

// ReceiveResponseFunc receives the next job response from the client's
// reply queue.
type ReceiveResponseFunc func(ctx context.Context, timeout time.Duration) (int64, *soa.JobResponse, error)

// Middleware wraps the client's send and receive paths. The configured
// stack composes as an onion: the first middleware is outermost on both
// paths. A middleware may short-circuit by not invoking next; it must not
// change the call signature, and it must be safe for concurrent use.
type Middleware interface {
	WrapSendRequest(next SendRequestFunc) SendRequestFunc
	WrapReceiveResponse(next ReceiveResponseFunc) ReceiveResponseFunc
}

// BaseMiddleware is a no-op Middleware for embedding, so implementations
// only override the direction they care about.
type BaseMiddleware struct{}

// WrapSendRequest implements Middleware.
func (BaseMiddleware) WrapSendRequest(next SendRequestFunc) SendRequestFunc { return next }

// WrapReceiveResponse implements Middleware.
func (BaseMiddleware) WrapReceiveResponse(next ReceiveResponseFunc) ReceiveResponseFunc {
	return next
}

func composeSend(stack []Middleware, base SendRequestFunc) SendRequestFunc {
	for i := len(stack) - 1; i >= 0; i-- {
		base = stack[i].WrapSendRequest(base)
	}
	return base
}

func composeReceive(stack []Middleware, base ReceiveResponseFunc) ReceiveResponseFunc {
	for i := len(stack) - 1; i >= 0; i-- {
		base = stack[i].WrapReceiveResponse(base)
	}
	return base
}
