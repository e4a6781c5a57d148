package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// Future is the deferred result of a non-blocking call. The request is
// already on the wire when a Future exists; Result drives the receive.
//
// A timeout outcome is not cached, so Result may be called again to keep
// waiting for a late response. Every other outcome is cached and returned
// on each subsequent call. Done reports true only once an outcome has
// been cached.
type Future[T any] struct {
	timeout time.Duration
	fetch   func(ctx context.Context, timeout time.Duration) (T, error)

	mu        sync.Mutex
	completed bool
	result    T
	err       error
}

func newFuture[T any](timeout time.Duration, fetch func(ctx context.Context, timeout time.Duration) (T, error)) *Future[T] {
	return &Future[T]{timeout: timeout, fetch: fetch}
}

// Result blocks up to the call's configured timeout for the outcome.
func (f *Future[T]) Result(ctx context.Context) (T, error) {
	return f.ResultWithTimeout(ctx, f.timeout)
}

// ResultWithTimeout blocks up to the given timeout for the outcome.
func (f *Future[T]) ResultWithTimeout(ctx context.Context, timeout time.Duration) (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed {
		return f.result, f.err
	}
	result, err := f.fetch(ctx, timeout)
	if isReceiveTimeout(err) {
		var zero T
		return zero, err
	}
	f.completed = true
	f.result = result
	f.err = err
	return f.result, f.err
}

// Done reports whether an outcome has been cached.
func (f *Future[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.completed
}

func isReceiveTimeout(err error) bool {
	var rt *transport.ReceiveTimeout
	return errors.As(err, &rt)
}

// CallActionFuture sends a one-action job now and returns a future for
// its action response.
func (c *Client) CallActionFuture(ctx context.Context, service, action string, body map[string]any, opts ...CallOption) (*Future[*soa.ActionResponse], error) {
	jobFuture, err := c.CallActionsFuture(ctx, service, []soa.ActionRequest{{Action: action, Body: body}}, opts...)
	if err != nil {
		return nil, err
	}
	return newFuture(jobFuture.timeout, func(ctx context.Context, timeout time.Duration) (*soa.ActionResponse, error) {
		resp, err := jobFuture.ResultWithTimeout(ctx, timeout)
		if resp == nil || len(resp.Actions) == 0 {
			return nil, err
		}
		return &resp.Actions[0], err
	}), nil
}

// CallActionsFuture sends one job now and returns a future for its
// response.
func (c *Client) CallActionsFuture(ctx context.Context, service string, actions []soa.ActionRequest, opts ...CallOption) (*Future[*soa.JobResponse], error) {
	o := newCallOptions(c.eng.defaultTimeout, opts)
	h, err := c.handlerFor(service)
	if err != nil {
		return nil, err
	}
	requestID, err := c.send(ctx, h, actions, o)
	if err != nil {
		return nil, err
	}
	return newFuture(o.timeout, func(ctx context.Context, timeout time.Duration) (*soa.JobResponse, error) {
		if o.suppressResponse {
			return nil, nil
		}
		resp, err := h.waitForResponse(ctx, requestID, timeout)
		if err != nil {
			return nil, err
		}
		if c.eng.expander != nil && len(o.expansions) > 0 {
			if err := c.eng.expander.expand(ctx, c, resp, o.expansions, o); err != nil {
				return resp, err
			}
		}
		return resp, raiseResponseErrors(resp, o)
	}), nil
}

// CallActionsParallelFuture sends one single-action job per action now
// and returns a future for the ordered action responses.
func (c *Client) CallActionsParallelFuture(ctx context.Context, service string, actions []soa.ActionRequest, opts ...CallOption) (*Future[[]*soa.ActionResponse], error) {
	jobs := make([]Job, len(actions))
	for i, a := range actions {
		jobs[i] = Job{Service: service, Actions: []soa.ActionRequest{a}}
	}
	jobsFuture, err := c.CallJobsParallelFuture(ctx, jobs, opts...)
	if err != nil {
		return nil, err
	}
	return newFuture(jobsFuture.timeout, func(ctx context.Context, timeout time.Duration) ([]*soa.ActionResponse, error) {
		responses, err := jobsFuture.ResultWithTimeout(ctx, timeout)
		if responses == nil {
			return nil, err
		}
		out := make([]*soa.ActionResponse, len(responses))
		for i, r := range responses {
			if r != nil && len(r.Actions) > 0 {
				out[i] = &r.Actions[0]
			}
		}
		return out, err
	}), nil
}

// CallJobsParallelFuture sends every job now and returns a future for the
// ordered responses.
func (c *Client) CallJobsParallelFuture(ctx context.Context, jobs []Job, opts ...CallOption) (*Future[[]*soa.JobResponse], error) {
	o := newCallOptions(c.eng.defaultTimeout, opts)

	type inflight struct {
		handler   *serviceHandler
		requestID int64
		err       error
	}
	sent := make([]inflight, len(jobs))
	for i, job := range jobs {
		h, err := c.handlerFor(job.Service)
		if err == nil {
			var requestID int64
			requestID, err = c.send(ctx, h, job.Actions, o)
			sent[i] = inflight{handler: h, requestID: requestID}
		}
		if err != nil {
			if !o.catchTransportErrors {
				return nil, err
			}
			sent[i] = inflight{err: err}
		}
	}

	return newFuture(o.timeout, func(ctx context.Context, timeout time.Duration) ([]*soa.JobResponse, error) {
		if o.suppressResponse {
			return nil, nil
		}
		responses := make([]*soa.JobResponse, len(jobs))
		errs := make([]error, len(jobs))
		var wg sync.WaitGroup
		for i := range sent {
			if sent[i].err != nil {
				responses[i] = transportErrorResponse(sent[i].err)
				continue
			}
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				resp, err := sent[i].handler.waitForResponse(ctx, sent[i].requestID, timeout)
				if err != nil {
					if o.catchTransportErrors {
						responses[i] = transportErrorResponse(err)
					} else {
						errs[i] = err
					}
					return
				}
				responses[i] = resp
			}(i)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				return nil, err
			}
		}
		for _, resp := range responses {
			if o.catchTransportErrors && isTransportErrorResponse(resp) {
				continue
			}
			if err := raiseResponseErrors(resp, o); err != nil {
				return responses, err
			}
		}
		return responses, nil
	}), nil
}
