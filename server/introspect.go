package server

import "context"

// introspectActionRecord builds the default "introspect" action: it
// enumerates the registered actions and their metadata so tooling can
// discover a service's surface without source access.
func introspectActionRecord(s *Server) ActionRecord {
	return ActionRecord{
		Description: "Returns the registered actions with their descriptions and schemas.",
		Handler: func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
			actions := map[string]any{}
			s.mu.Lock()
			defer s.mu.Unlock()
			for name, record := range s.actions {
				entry := map[string]any{
					"description": record.Description,
				}
				if record.RequestSchema != nil {
					entry["request_schema"] = record.RequestSchema
				}
				if record.ResponseSchema != nil {
					entry["response_schema"] = record.ResponseSchema
				}
				actions[name] = entry
			}
			return map[string]any{
				"service": s.settings.ServiceName,
				"actions": actions,
			}, nil
		},
	}
}
