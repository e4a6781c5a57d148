package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/fairyhunter13/gosoa/server"
	"github.com/fairyhunter13/gosoa/soa"
)

// slowCap bounds the slow action so a bad request cannot pin a worker
// past any reasonable harakiri timeout.
const slowCap = 30 * time.Second

func registerActions(srv *server.Server) error {
	records := map[string]server.ActionRecord{
		"square": {
			Description: "Squares a non-negative number.",
			RequestSchema: map[string]any{
				"number": map[string]any{"type": "number", "description": "Value to square, must be >= 0"},
			},
			Handler: squareAction,
		},
		"echo": {
			Description: "Returns the request body unchanged.",
			Handler:     echoAction,
		},
		"slow": {
			Description: "Sleeps for the requested number of seconds, then returns.",
			RequestSchema: map[string]any{
				"seconds": map[string]any{"type": "number", "description": "Sleep duration in seconds, capped at 30"},
			},
			Handler: slowAction,
		},
		"detect_type": {
			Description: "Detects the MIME type of base64-encoded content.",
			RequestSchema: map[string]any{
				"content": map[string]any{"type": "string", "description": "Base64-encoded bytes to sniff"},
			},
			Handler: detectTypeAction,
		},
		"get_users": {
			Description: "Returns the requested users keyed by id. Serves as an expansion route target.",
			RequestSchema: map[string]any{
				"ids": map[string]any{"type": "list", "description": "User ids to fetch"},
			},
			Handler: getUsersAction,
		},
	}
	for name, record := range records {
		if err := srv.RegisterAction(name, record); err != nil {
			return err
		}
	}
	return nil
}

func squareAction(_ context.Context, req *server.ActionRequest) (map[string]any, error) {
	n, ok := asFloat(req.Body["number"])
	if !ok {
		return nil, server.FailField(soa.CodeInvalid, "number", "number is required and must be numeric")
	}
	if n < 0 {
		return nil, server.FailField(soa.CodeInvalid, "number", "cannot square a negative number")
	}
	return map[string]any{"number": n, "square": n * n}, nil
}

func echoAction(_ context.Context, req *server.ActionRequest) (map[string]any, error) {
	if req.Body == nil {
		return map[string]any{}, nil
	}
	return req.Body, nil
}

func slowAction(ctx context.Context, req *server.ActionRequest) (map[string]any, error) {
	seconds, ok := asFloat(req.Body["seconds"])
	if !ok || seconds < 0 {
		return nil, server.FailField(soa.CodeInvalid, "seconds", "seconds is required and must be a non-negative number")
	}
	d := time.Duration(seconds * float64(time.Second))
	if d > slowCap {
		d = slowCap
	}
	select {
	case <-time.After(d):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return map[string]any{"slept": d.Seconds()}, nil
}

func detectTypeAction(_ context.Context, req *server.ActionRequest) (map[string]any, error) {
	encoded, ok := req.Body["content"].(string)
	if !ok || encoded == "" {
		return nil, server.FailField(soa.CodeInvalid, "content", "content is required and must be a base64 string")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, server.FailField(soa.CodeInvalid, "content", "content is not valid base64")
	}
	mime := mimetype.Detect(raw)
	return map[string]any{
		"mime_type": mime.String(),
		"extension": mime.Extension(),
		"size":      len(raw),
	}, nil
}

// userDirectory is the static dataset behind get_users. Each user names
// a manager, so expansion configurations can exercise recursion.
var userDirectory = map[string]map[string]any{
	"1": {"_type": "user", "id": "1", "name": "Ada", "role": "engineer", "manager_id": "3"},
	"2": {"_type": "user", "id": "2", "name": "Grace", "role": "engineer", "manager_id": "3"},
	"3": {"_type": "user", "id": "3", "name": "Barbara", "role": "manager", "manager_id": ""},
}

func getUsersAction(_ context.Context, req *server.ActionRequest) (map[string]any, error) {
	ids, ok := req.Body["ids"].([]any)
	if !ok {
		return nil, server.FailField(soa.CodeInvalid, "ids", "ids is required and must be a list")
	}
	users := map[string]any{}
	for _, raw := range ids {
		id := fmt.Sprint(raw)
		if user, ok := userDirectory[id]; ok {
			users[id] = user
		}
	}
	return map[string]any{"users": users}, nil
}

// selfCheck is a trivial healthcheck demonstrating the status action's
// diagnostics surface.
func selfCheck() server.Healthcheck {
	started := time.Now()
	return server.Healthcheck{
		Name: "self",
		Check: func(_ context.Context) ([]soa.Error, []soa.Error, map[string]any) {
			return nil, nil, map[string]any{
				"uptime_seconds": int64(time.Since(started).Seconds()),
			}
		},
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int8:
		return float64(t), true
	case int16:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint8:
		return float64(t), true
	case uint16:
		return float64(t), true
	case uint32:
		return float64(t), true
	case uint64:
		return float64(t), true
	}
	return 0, false
}
