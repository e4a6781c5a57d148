package client

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// engine is the state shared by a client and everything derived from it:
// the transport pool, the request id counter, and the expansion rules.
type engine struct {
	settings       *Settings
	defaultTimeout time.Duration
	requestID      atomic.Int64
	expander       *expander

	mu       sync.Mutex
	handlers map[string]*serviceHandler
}

// Client issues jobs to any number of services over per-service
// transports. It is safe for concurrent use: request ids come from an
// atomic counter and per-request state lives on the calling goroutine.
//
// Derive produces clients sharing this client's transports but carrying a
// different base context, which is how a server hands each job a client
// that propagates the job's correlation id and switches.
type Client struct {
	eng      *engine
	context  map[string]any
	switches []int
}

// Job names one unit of work for the parallel call APIs.
type Job struct {
	Service string
	Actions []soa.ActionRequest
}

// New builds a client from settings. The request id counter starts at a
// random base so ids from different processes rarely collide in logs.
func New(settings *Settings) (*Client, error) {
	if settings == nil || settings.Transport == nil {
		return nil, fmt.Errorf("op=client.New: settings require a transport factory")
	}
	eng := &engine{
		settings:       settings,
		defaultTimeout: settings.DefaultTimeout,
		handlers:       map[string]*serviceHandler{},
	}
	if eng.defaultTimeout <= 0 {
		eng.defaultTimeout = DefaultTimeout
	}
	eng.requestID.Store(rand.Int63n(1_000_000) + 1)
	if settings.Expansions != nil {
		if err := settings.Expansions.Validate(); err != nil {
			return nil, err
		}
		eng.expander = newExpander(settings.Expansions)
	}
	return &Client{eng: eng, context: settings.Context, switches: settings.Switches}, nil
}

// Derive returns a client sharing this client's transports and request id
// counter, with the base context map and switches replaced.
func (c *Client) Derive(context map[string]any, switches ...int) *Client {
	return &Client{eng: c.eng, context: context, switches: switches}
}

// NewFromRouting builds a client whose transports come from a routing
// table, typically loaded with LoadRouting.
func NewFromRouting(r *Routing) (*Client, error) {
	return New(&Settings{Transport: r.Factory(), Expansions: r.Expansions})
}

// CallAction sends a one-action job and blocks for the result. Action
// errors and job errors become *soa.CallActionError and *soa.JobError
// returns unless disabled through options; the response is returned
// alongside those two error kinds so callers can still inspect it.
func (c *Client) CallAction(ctx context.Context, service, action string, body map[string]any, opts ...CallOption) (*soa.ActionResponse, error) {
	resp, err := c.CallActions(ctx, service, []soa.ActionRequest{{Action: action, Body: body}}, opts...)
	if resp == nil || len(resp.Actions) == 0 {
		return nil, err
	}
	return &resp.Actions[0], err
}

// CallActions sends one job with the given actions, in order, and blocks
// for the response.
func (c *Client) CallActions(ctx context.Context, service string, actions []soa.ActionRequest, opts ...CallOption) (*soa.JobResponse, error) {
	o := newCallOptions(c.eng.defaultTimeout, opts)
	h, err := c.handlerFor(service)
	if err != nil {
		return nil, err
	}
	requestID, err := c.send(ctx, h, actions, o)
	if err != nil {
		return nil, err
	}
	if o.suppressResponse {
		return nil, nil
	}
	started := time.Now()
	resp, err := h.waitForResponse(ctx, requestID, o.timeout)
	if err != nil {
		return nil, err
	}
	observability.ClientRequestDuration.WithLabelValues(service).Observe(time.Since(started).Seconds())

	if c.eng.expander != nil && len(o.expansions) > 0 {
		if err := c.eng.expander.expand(ctx, c, resp, o.expansions, o); err != nil {
			return resp, err
		}
	}
	return resp, raiseResponseErrors(resp, o)
}

// CallActionsParallel sends one single-action job per action to the same
// service, all in flight together, and returns the action responses in
// input order.
func (c *Client) CallActionsParallel(ctx context.Context, service string, actions []soa.ActionRequest, opts ...CallOption) ([]*soa.ActionResponse, error) {
	jobs := make([]Job, len(actions))
	for i, a := range actions {
		jobs[i] = Job{Service: service, Actions: []soa.ActionRequest{a}}
	}
	responses, err := c.CallJobsParallel(ctx, jobs, opts...)
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
}

// CallJobsParallel puts every job on the wire before awaiting any
// response, then returns the job responses in input order regardless of
// arrival order. With CatchTransportErrors, a transport failure is
// substituted with a synthesized job-level error response coded
// TRANSPORT_ERROR instead of failing the whole batch.
func (c *Client) CallJobsParallel(ctx context.Context, jobs []Job, opts ...CallOption) ([]*soa.JobResponse, error) {
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
			resp, err := sent[i].handler.waitForResponse(ctx, sent[i].requestID, o.timeout)
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
			// The caller asked to inspect these in place of a raise.
			continue
		}
		if err := raiseResponseErrors(resp, o); err != nil {
			return responses, err
		}
	}
	return responses, nil
}

// SendRequest sends a job without waiting for the response. The returned
// request id correlates the response later retrieved through
// GetAllResponses; with SuppressResponse no response will ever exist.
func (c *Client) SendRequest(ctx context.Context, service string, actions []soa.ActionRequest, opts ...CallOption) (int64, error) {
	o := newCallOptions(c.eng.defaultTimeout, opts)
	h, err := c.handlerFor(service)
	if err != nil {
		return 0, err
	}
	return c.send(ctx, h, actions, o)
}

// GetAllResponses returns a lazy stream over the responses waiting on the
// client's reply queue for a service, including responses to calls that
// previously timed out locally. Each Next blocks up to wait.
func (c *Client) GetAllResponses(service string, wait time.Duration) (*ResponseStream, error) {
	h, err := c.handlerFor(service)
	if err != nil {
		return nil, err
	}
	if wait <= 0 {
		wait = c.eng.defaultTimeout
	}
	return &ResponseStream{handler: h, wait: wait}, nil
}

// Close releases every transport the client has opened.
func (c *Client) Close() error {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	var firstErr error
	for name, h := range c.eng.handlers {
		if err := h.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(c.eng.handlers, name)
	}
	return firstErr
}

func (c *Client) handlerFor(service string) (*serviceHandler, error) {
	c.eng.mu.Lock()
	defer c.eng.mu.Unlock()
	if h, ok := c.eng.handlers[service]; ok {
		return h, nil
	}
	t, err := c.eng.settings.Transport(service)
	if err != nil {
		return nil, fmt.Errorf("op=client.Client.handlerFor: service %s: %w", service, err)
	}
	h := newServiceHandler(service, t, c.eng.settings.Middleware)
	c.eng.handlers[service] = h
	return h, nil
}

// send allocates a request id, assembles context and control, and pushes
// the job through the middleware onion onto the wire.
func (c *Client) send(ctx context.Context, h *serviceHandler, actions []soa.ActionRequest, o *callOptions) (int64, error) {
	requestID := c.eng.requestID.Add(1)
	req := &soa.JobRequest{
		Actions: actions,
		Context: c.buildContext(requestID, o),
		Control: o.control(),
	}
	meta := map[string]any{}
	if o.suppressResponse {
		meta[transport.MetaSuppressResponse] = true
	}
	if err := h.send(ctx, requestID, meta, req); err != nil {
		return 0, err
	}
	return requestID, nil
}

// buildContext merges the client's base context with per-call additions.
// The correlation id propagates from the base context when present, else
// each job gets a fresh one.
func (c *Client) buildContext(requestID int64, o *callOptions) map[string]any {
	out := make(map[string]any, len(c.context)+len(o.contextExtra)+3)
	for k, v := range c.context {
		out[k] = v
	}
	for k, v := range o.contextExtra {
		out[k] = v
	}
	if soa.CorrelationID(out) == "" {
		out[soa.ContextCorrelationID] = ulid.Make().String()
	}
	out[soa.ContextRequestID] = requestID

	switches := soa.NewSwitchSet(c.switches...).Union(soa.NewSwitchSet(o.switches...))
	if base, ok := out[soa.ContextSwitches]; ok {
		switches = switches.Union(soa.SwitchSetFromWire(base))
	}
	out[soa.ContextSwitches] = switches.ToWire()
	return out
}

// raiseResponseErrors converts response errors into the client's typed
// errors, per the call's raise options.
func raiseResponseErrors(resp *soa.JobResponse, o *callOptions) error {
	if resp == nil {
		return nil
	}
	if o.raiseJobErrors && resp.HasErrors() {
		return &soa.JobError{Errors: resp.Errors}
	}
	if o.raiseActionErrors {
		if failed := resp.ActionsWithErrors(); len(failed) > 0 {
			return &soa.CallActionError{Actions: failed}
		}
	}
	return nil
}

// CodeTransportError marks a synthesized response standing in for a
// transport failure under CatchTransportErrors.
const CodeTransportError = "TRANSPORT_ERROR"

func transportErrorResponse(err error) *soa.JobResponse {
	return &soa.JobResponse{
		Errors: []soa.Error{{
			Code:    CodeTransportError,
			Message: err.Error(),
		}},
	}
}

func isTransportErrorResponse(resp *soa.JobResponse) bool {
	return resp != nil && len(resp.Errors) == 1 && resp.Errors[0].Code == CodeTransportError
}
