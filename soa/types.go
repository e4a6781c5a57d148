// Package soa defines the message model shared by clients and servers:
// action and job requests/responses, the error shape carried on the wire,
// and the context/control header conventions.
//
// Wire bodies are plain nested maps; the types here convert to and from
// that form so the transport and serializer layers never see framework
// structs.
package soa

import (
	"fmt"
	"time"
)

// Context keys with framework-defined meaning. Services may add arbitrary
// additional string keys; they are propagated verbatim.
const (
	ContextCorrelationID = "correlation_id"
	ContextRequestID     = "request_id"
	ContextSwitches      = "switches"
)

// ActionRequest is a single named operation within a job.
type ActionRequest struct {
	Action string
	Body   map[string]any
}

// ActionResponse is the result of one action: a body, a list of errors,
// or both a nil body and errors.
type ActionResponse struct {
	Action string
	Body   map[string]any
	Errors []Error
}

// HasErrors reports whether the action produced at least one error.
func (r *ActionResponse) HasErrors() bool { return len(r.Errors) > 0 }

// Control carries per-job processing flags.
type Control struct {
	// ContinueOnError makes the server keep executing actions after one
	// of them fails. Default false: stop at the first failing action.
	ContinueOnError bool
	// SuppressResponse tells the server not to enqueue any response. The
	// client will not allocate a response slot for the request either.
	SuppressResponse bool
	// Timeout overrides the client's default round-trip timeout. Zero
	// means "use the default".
	Timeout time.Duration
}

// JobRequest is an ordered group of actions sent to a single service,
// together with the caller's context and control headers.
type JobRequest struct {
	Actions []ActionRequest
	Context map[string]any
	Control Control
}

// JobResponse aggregates the per-action responses for a job. Errors holds
// job-level failures (validation, internal errors); when it is non-empty
// Actions may be empty.
type JobResponse struct {
	Actions []ActionResponse
	Context map[string]any
	Errors  []Error
}

// HasErrors reports whether the job itself failed, regardless of action
// outcomes.
func (r *JobResponse) HasErrors() bool { return len(r.Errors) > 0 }

// ActionsWithErrors returns the subset of action responses carrying errors.
func (r *JobResponse) ActionsWithErrors() []ActionResponse {
	var out []ActionResponse
	for _, a := range r.Actions {
		if len(a.Errors) > 0 {
			out = append(out, a)
		}
	}
	return out
}

// ToMap renders the job request in its wire form.
func (r *JobRequest) ToMap() map[string]any {
	actions := make([]any, 0, len(r.Actions))
	for _, a := range r.Actions {
		m := map[string]any{"action": a.Action}
		if a.Body != nil {
			m["body"] = a.Body
		}
		actions = append(actions, m)
	}
	control := map[string]any{
		"continue_on_error": r.Control.ContinueOnError,
		"suppress_response": r.Control.SuppressResponse,
	}
	if r.Control.Timeout > 0 {
		control["timeout"] = int64(r.Control.Timeout / time.Second)
	}
	ctx := r.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"actions": actions,
		"context": ctx,
		"control": control,
	}
}

// JobRequestFromMap parses the wire form of a job request. It tolerates
// missing optional fields but fails on structurally wrong ones.
func JobRequestFromMap(m map[string]any) (*JobRequest, error) {
	req := &JobRequest{Context: map[string]any{}}

	rawActions, ok := m["actions"]
	if ok {
		list, ok := asSlice(rawActions)
		if !ok {
			return nil, fmt.Errorf("op=soa.JobRequestFromMap: actions is not a list")
		}
		for i, raw := range list {
			am, ok := asStringMap(raw)
			if !ok {
				return nil, fmt.Errorf("op=soa.JobRequestFromMap: actions[%d] is not a map", i)
			}
			name, _ := am["action"].(string)
			action := ActionRequest{Action: name}
			if body, ok := asStringMap(am["body"]); ok {
				action.Body = body
			}
			req.Actions = append(req.Actions, action)
		}
	}

	if ctx, ok := asStringMap(m["context"]); ok {
		req.Context = ctx
	}
	if control, ok := asStringMap(m["control"]); ok {
		if v, ok := asBool(control["continue_on_error"]); ok {
			req.Control.ContinueOnError = v
		}
		if v, ok := asBool(control["suppress_response"]); ok {
			req.Control.SuppressResponse = v
		}
		if v, ok := asInt64(control["timeout"]); ok {
			req.Control.Timeout = time.Duration(v) * time.Second
		}
	}
	return req, nil
}

// ToMap renders the job response in its wire form.
func (r *JobResponse) ToMap() map[string]any {
	actions := make([]any, 0, len(r.Actions))
	for _, a := range r.Actions {
		m := map[string]any{
			"action": a.Action,
			"errors": errorsToWire(a.Errors),
		}
		if a.Body != nil {
			m["body"] = a.Body
		}
		actions = append(actions, m)
	}
	ctx := r.Context
	if ctx == nil {
		ctx = map[string]any{}
	}
	return map[string]any{
		"actions": actions,
		"context": ctx,
		"errors":  errorsToWire(r.Errors),
	}
}

// JobResponseFromMap parses the wire form of a job response.
func JobResponseFromMap(m map[string]any) (*JobResponse, error) {
	resp := &JobResponse{Context: map[string]any{}}

	if ctx, ok := asStringMap(m["context"]); ok {
		resp.Context = ctx
	}
	var err error
	if resp.Errors, err = errorsFromWire(m["errors"]); err != nil {
		return nil, fmt.Errorf("op=soa.JobResponseFromMap: %w", err)
	}

	rawActions, ok := m["actions"]
	if !ok {
		return resp, nil
	}
	list, ok := asSlice(rawActions)
	if !ok {
		return nil, fmt.Errorf("op=soa.JobResponseFromMap: actions is not a list")
	}
	for i, raw := range list {
		am, ok := asStringMap(raw)
		if !ok {
			return nil, fmt.Errorf("op=soa.JobResponseFromMap: actions[%d] is not a map", i)
		}
		name, _ := am["action"].(string)
		action := ActionResponse{Action: name}
		if body, ok := asStringMap(am["body"]); ok {
			action.Body = body
		}
		if action.Errors, err = errorsFromWire(am["errors"]); err != nil {
			return nil, fmt.Errorf("op=soa.JobResponseFromMap: actions[%d]: %w", i, err)
		}
		resp.Actions = append(resp.Actions, action)
	}
	return resp, nil
}

// CorrelationID extracts the correlation id from a context map, or "".
func CorrelationID(ctx map[string]any) string {
	s, _ := ctx[ContextCorrelationID].(string)
	return s
}

// asSlice normalizes the list shapes different serializers produce.
func asSlice(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []map[string]any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = t[i]
		}
		return out, true
	case nil:
		return nil, false
	}
	return nil, false
}

// asStringMap normalizes the map shapes different serializers produce.
func asStringMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, false
			}
			out[ks] = val
		}
		return out, true
	}
	return nil, false
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

// asInt64 coerces the integer shapes produced by msgpack and JSON decoding.
func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case interface{ Int64() (int64, error) }: // json.Number
		n, err := t.Int64()
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
