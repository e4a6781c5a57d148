package client

import (
	"time"

	"github.com/fairyhunter13/gosoa/soa"
)

// callOptions carries the per-call knobs the CallOption functions set.
type callOptions struct {
	timeout          time.Duration
	continueOnError  bool
	suppressResponse bool
	switches         []int
	contextExtra     map[string]any

	raiseJobErrors       bool
	raiseActionErrors    bool
	catchTransportErrors bool

	expansions map[string][]string
}

func newCallOptions(defaultTimeout time.Duration, opts []CallOption) *callOptions {
	o := &callOptions{
		timeout:           defaultTimeout,
		raiseJobErrors:    true,
		raiseActionErrors: true,
	}
	if o.timeout <= 0 {
		o.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// CallOption adjusts a single client call.
type CallOption func(*callOptions)

// WithTimeout overrides the round-trip timeout for this call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// ContinueOnError asks the server to keep executing the job's remaining
// actions after one fails.
func ContinueOnError() CallOption {
	return func(o *callOptions) { o.continueOnError = true }
}

// SuppressResponse marks the job as send-and-forget: the server enqueues
// no response and the client allocates no response slot.
func SuppressResponse() CallOption {
	return func(o *callOptions) { o.suppressResponse = true }
}

// WithSwitches adds feature switches for this call, set-unioned with the
// client's base switches.
func WithSwitches(switches ...int) CallOption {
	return func(o *callOptions) { o.switches = append(o.switches, switches...) }
}

// WithContext merges extra keys into the job's context map. Framework
// keys (correlation id, request id, switches) cannot be overridden.
func WithContext(extra map[string]any) CallOption {
	return func(o *callOptions) {
		if o.contextExtra == nil {
			o.contextExtra = map[string]any{}
		}
		for k, v := range extra {
			o.contextExtra[k] = v
		}
	}
}

// RaiseJobErrors controls whether job-level errors in the response become
// a *soa.JobError return. Default true.
func RaiseJobErrors(raise bool) CallOption {
	return func(o *callOptions) { o.raiseJobErrors = raise }
}

// RaiseActionErrors controls whether action-level errors in the response
// become a *soa.CallActionError return. Default true.
func RaiseActionErrors(raise bool) CallOption {
	return func(o *callOptions) { o.raiseActionErrors = raise }
}

// CatchTransportErrors makes the parallel call variants substitute a
// synthesized job-level error response for a failed request instead of
// failing the whole batch.
func CatchTransportErrors() CallOption {
	return func(o *callOptions) { o.catchTransportErrors = true }
}

// WithExpansions requests response expansions: for each listed type, the
// named expansions are resolved via the configured routes and spliced
// into the response.
func WithExpansions(expansions map[string][]string) CallOption {
	return func(o *callOptions) { o.expansions = expansions }
}

// control renders the options' control header.
func (o *callOptions) control() soa.Control {
	return soa.Control{
		ContinueOnError:  o.continueOnError,
		SuppressResponse: o.suppressResponse,
		Timeout:          o.timeout,
	}
}
