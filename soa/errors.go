package soa

import (
	"fmt"
	"strings"
)

// Machine-readable error codes synthesized by the framework. Services are
// free to define their own codes; these are the ones the engines emit.
const (
	CodeInvalid                 = "INVALID"
	CodeUnknownAction           = "UNKNOWN_ACTION"
	CodeServerError             = "SERVER_ERROR"
	CodeResponseNotValid        = "RESPONSE_NOT_VALID"
	CodeResponseTooLarge        = "RESPONSE_TOO_LARGE"
	CodeResponseNotSerializable = "RESPONSE_NOT_SERIALIZABLE"
	CodeJobTimeout              = "JOB_TIMEOUT"
	CodeActionTimeout           = "ACTION_TIMEOUT"
	CodeNotAuthorized           = "NOT_AUTHORIZED"
)

// Error is the canonical error shape transmitted between client and
// service. Code is required; Field marks validation errors tied to a
// request attribute; IsCallerError separates caller faults (bad input,
// unknown action) from service faults.
type Error struct {
	Code              string
	Message           string
	Field             string
	Traceback         string
	Variables         map[string]string
	DeniedPermissions []string
	IsCallerError     bool
}

func (e Error) String() string {
	if e.Field != "" {
		return fmt.Sprintf("%s (field %s): %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func errorsToWire(errs []Error) []any {
	out := make([]any, 0, len(errs))
	for _, e := range errs {
		m := map[string]any{
			"code":            e.Code,
			"message":         e.Message,
			"is_caller_error": e.IsCallerError,
		}
		if e.Field != "" {
			m["field"] = e.Field
		}
		if e.Traceback != "" {
			m["traceback"] = e.Traceback
		}
		if len(e.Variables) > 0 {
			vars := make(map[string]any, len(e.Variables))
			for k, v := range e.Variables {
				vars[k] = v
			}
			m["variables"] = vars
		}
		if len(e.DeniedPermissions) > 0 {
			perms := make([]any, len(e.DeniedPermissions))
			for i, p := range e.DeniedPermissions {
				perms[i] = p
			}
			m["denied_permissions"] = perms
		}
		out = append(out, m)
	}
	return out
}

func errorsFromWire(v any) ([]Error, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := asSlice(v)
	if !ok {
		return nil, fmt.Errorf("errors is not a list")
	}
	out := make([]Error, 0, len(list))
	for i, raw := range list {
		m, ok := asStringMap(raw)
		if !ok {
			return nil, fmt.Errorf("errors[%d] is not a map", i)
		}
		e := Error{}
		e.Code, _ = m["code"].(string)
		e.Message, _ = m["message"].(string)
		e.Field, _ = m["field"].(string)
		e.Traceback, _ = m["traceback"].(string)
		e.IsCallerError, _ = m["is_caller_error"].(bool)
		if vars, ok := asStringMap(m["variables"]); ok {
			e.Variables = make(map[string]string, len(vars))
			for k, val := range vars {
				e.Variables[k] = fmt.Sprint(val)
			}
		}
		if perms, ok := asSlice(m["denied_permissions"]); ok {
			for _, p := range perms {
				if s, ok := p.(string); ok {
					e.DeniedPermissions = append(e.DeniedPermissions, s)
				}
			}
		}
		if e.Code == "" {
			return nil, fmt.Errorf("errors[%d] has no code", i)
		}
		out = append(out, e)
	}
	return out, nil
}

func formatErrors(errs []Error) string {
	parts := make([]string, len(errs))
	for i, e := range errs {
		parts[i] = e.String()
	}
	return strings.Join(parts, "\n")
}

// JobError reports job-level errors in a response (validation failures,
// internal server errors). Raised by the client call methods unless the
// caller opts out with RaiseJobErrors(false).
type JobError struct {
	Errors []Error
}

func (e *JobError) Error() string {
	return "error executing job:\n" + formatErrors(e.Errors)
}

// CallActionError reports action-level errors in an otherwise successful
// job. Actions holds only the action responses that carry errors. Raised
// by the client call methods unless the caller opts out with
// RaiseActionErrors(false).
type CallActionError struct {
	Actions []ActionResponse
}

func (e *CallActionError) Error() string {
	parts := make([]string, len(e.Actions))
	for i, a := range e.Actions {
		parts[i] = a.Action + ": " + formatErrors(a.Errors)
	}
	return "error calling action(s):\n" + strings.Join(parts, "\n")
}
