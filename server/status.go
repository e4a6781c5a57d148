package server

import (
	"context"
	"runtime"

	"github.com/fairyhunter13/gosoa/soa"
)

// Version is the framework version reported by the default status action.
const Version = "1.0.0"

// Healthcheck is one named status probe. It returns errors for conditions
// that make the service unhealthy and warnings for degraded ones; both
// lists may be empty. Diagnostics are free-form values surfaced verbatim.
type Healthcheck struct {
	Name  string
	Check func(ctx context.Context) (errors []soa.Error, warnings []soa.Error, diagnostics map[string]any)
}

// statusActionRecord builds the default "status" action. The body always
// carries the go and framework versions; the healthchecks run unless the
// request sets verbose to false.
func statusActionRecord(s *Server, checks []Healthcheck) ActionRecord {
	return ActionRecord{
		Description: "Returns the service version and the outcome of its healthchecks.",
		RequestSchema: map[string]any{
			"verbose": map[string]any{"type": "boolean", "optional": true,
				"description": "Set false to skip healthchecks and return versions only"},
		},
		Handler: func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
			body := map[string]any{
				"service":       s.settings.ServiceName,
				"go_version":    runtime.Version(),
				"gosoa_version": Version,
			}
			if verbose, ok := req.Body["verbose"].(bool); ok && !verbose {
				return body, nil
			}
			healthcheck := map[string]any{
				"errors":      []any{},
				"warnings":    []any{},
				"diagnostics": map[string]any{},
			}
			var errs, warnings []any
			diagnostics := map[string]any{}
			for _, check := range checks {
				if check.Check == nil {
					continue
				}
				cerrs, cwarns, cdiag := check.Check(ctx)
				for _, e := range cerrs {
					errs = append(errs, []any{e.Code, check.Name + ": " + e.Message})
				}
				for _, w := range cwarns {
					warnings = append(warnings, []any{w.Code, check.Name + ": " + w.Message})
				}
				for k, v := range cdiag {
					diagnostics[check.Name+"."+k] = v
				}
			}
			if errs != nil {
				healthcheck["errors"] = errs
			}
			if warnings != nil {
				healthcheck["warnings"] = warnings
			}
			healthcheck["diagnostics"] = diagnostics
			body["healthcheck"] = healthcheck
			return body, nil
		},
	}
}

// RegisterStatusAction replaces the default status action with one
// running the given healthchecks.
func (s *Server) RegisterStatusAction(checks []Healthcheck) error {
	record := statusActionRecord(s, checks)
	return s.RegisterAction("status", record)
}
