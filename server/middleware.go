package server

import (
	"context"

	"github.com/fairyhunter13/gosoa/soa"
)

// JobFunc processes one whole job. Failures are synthesized into the
// response's error list rather than returned, so every request produces
// exactly one response.
type JobFunc func(ctx context.Context, req *soa.JobRequest) *soa.JobResponse

// ActionFunc executes one action of a job.
type ActionFunc func(ctx context.Context, req *ActionRequest) *soa.ActionResponse

// Middleware wraps the server's job and action paths. The configured
// stack composes as an onion: the first middleware is outermost on both
// paths. A middleware may short-circuit by not invoking next; it must not
// change the call signature.
type Middleware interface {
	WrapJob(next JobFunc) JobFunc
	WrapAction(next ActionFunc) ActionFunc
}

// BaseMiddleware is a no-op Middleware for embedding, so implementations
// only override the level they care about.
type BaseMiddleware struct{}

// WrapJob implements Middleware.
func (BaseMiddleware) WrapJob(next JobFunc) JobFunc { return next }

// WrapAction implements Middleware.
func (BaseMiddleware) WrapAction(next ActionFunc) ActionFunc { return next }

func composeJob(stack []Middleware, base JobFunc) JobFunc {
	for i := len(stack) - 1; i >= 0; i-- {
		base = stack[i].WrapJob(base)
	}
	return base
}

func composeAction(stack []Middleware, base ActionFunc) ActionFunc {
	for i := len(stack) - 1; i >= 0; i-- {
		base = stack[i].WrapAction(base)
	}
	return base
}
