package server

import (
	"context"
	"strings"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/soa"
)

// ActionHandler executes one action. A handler returns the response body,
// or an *ActionFailure carrying the action's errors, or any other error
// which the engine records as a SERVER_ERROR.
type ActionHandler func(ctx context.Context, req *ActionRequest) (map[string]any, error)

// ActionFailure is the handler's way of reporting expected, structured
// errors: validation failures, business rule refusals.
type ActionFailure struct {
	Errors []soa.Error
}

// Fail builds an ActionFailure from one error.
func Fail(code, message string) *ActionFailure {
	return &ActionFailure{Errors: []soa.Error{{Code: code, Message: message, IsCallerError: true}}}
}

// FailField builds an ActionFailure for one field-validation error.
func FailField(code, field, message string) *ActionFailure {
	return &ActionFailure{Errors: []soa.Error{{Code: code, Field: field, Message: message, IsCallerError: true}}}
}

func (e *ActionFailure) Error() string {
	parts := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		parts[i] = err.String()
	}
	return "action failure: " + strings.Join(parts, "; ")
}

// ValidateFunc checks a request or response body, returning field errors
// when it does not conform. Implemented by an external validation engine;
// the server only consumes the pass/fail contract.
type ValidateFunc func(body map[string]any) []soa.Error

// ActionRecord registers one action: its handler plus the metadata the
// introspection machinery consumes.
type ActionRecord struct {
	Handler ActionHandler

	// Description documents the action for introspection.
	Description string

	// RequestSchema and ResponseSchema are opaque schema documents
	// surfaced by the introspect action.
	RequestSchema  map[string]any
	ResponseSchema map[string]any

	// ValidateRequest rejects malformed request bodies before the
	// handler runs; its errors are caller errors. ValidateResponse
	// checks handler output; its failures become RESPONSE_NOT_VALID.
	ValidateRequest  ValidateFunc
	ValidateResponse ValidateFunc
}

// ActionRequest is the enriched request an action handler receives: the
// action's body plus the job's context, control, and a client wired for
// calls to other services with this job's context propagated.
type ActionRequest struct {
	Action   string
	Body     map[string]any
	Context  map[string]any
	Switches soa.SwitchSet
	Control  soa.Control

	// RequestID is the inbound job's request id, for log correlation.
	RequestID int64

	// Client makes calls to other services with the job's correlation
	// id, switches, and caller fields propagated. Nil when the server
	// has no client routing configured.
	Client *client.Client

	server *Server
	record *ActionRecord
}

// CallLocal executes another action of the same service in process,
// sharing this job's context and control. No transport is involved; the
// action middleware onion still applies.
func (r *ActionRequest) CallLocal(ctx context.Context, action string, body map[string]any) *soa.ActionResponse {
	return r.server.executeActionPipeline(ctx, &ActionRequest{
		Action:    action,
		Body:      body,
		Context:   r.Context,
		Switches:  r.Switches,
		Control:   r.Control,
		RequestID: r.RequestID,
		Client:    r.Client,
		server:    r.server,
	})
}
