package server

import (
	"context"
	"fmt"
)

// DefaultSwitch marks a Switched entry as the fallback handler used when
// no other entry's switch is active on the request.
const DefaultSwitch = -1

// SwitchedEntry pairs a feature switch with the handler variant to run
// while that switch is active.
type SwitchedEntry struct {
	Switch  int
	Handler ActionHandler
}

// Switched routes a request to the first entry whose switch is active in
// the request's switch set, falling back to the DefaultSwitch entry.
// Entries are checked in order, so put the most specific variants first.
func Switched(entries ...SwitchedEntry) ActionHandler {
	return func(ctx context.Context, req *ActionRequest) (map[string]any, error) {
		var fallback ActionHandler
		for _, entry := range entries {
			if entry.Switch == DefaultSwitch {
				if fallback == nil {
					fallback = entry.Handler
				}
				continue
			}
			if req.Switches.Active(entry.Switch) {
				return entry.Handler(ctx, req)
			}
		}
		if fallback == nil {
			return nil, fmt.Errorf("op=server.Switched: no switch matched and no default entry is defined")
		}
		return fallback(ctx, req)
	}
}
