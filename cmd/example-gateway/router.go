package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

type gateway struct {
	cfg    config
	client *client.Client
	log    *slog.Logger
}

// callRequest is the JSON surface of the call endpoint.
type callRequest struct {
	Body           map[string]any      `json:"body"`
	Context        map[string]any      `json:"context"`
	Switches       []int               `json:"switches"`
	TimeoutSeconds float64             `json:"timeout_seconds"`
	Expands        map[string][]string `json:"expands"`
}

func (g *gateway) router() http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   parseOrigins(g.cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(rt chi.Router) {
		rt.Use(httprate.LimitByIP(g.cfg.RateLimitPerMin, time.Minute))
		rt.Post("/api/v1/call/{service}/{action}", g.callHandler)
	})

	if g.cfg.AdminKeyHash != "" {
		r.Group(func(rt chi.Router) {
			rt.Use(g.adminGuard)
			rt.Get("/api/v1/admin/status/{service}", g.adminStatusHandler)
		})
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/metrics", observability.MetricsHandler())

	return otelhttp.NewHandler(r, "example-gateway")
}

func (g *gateway) callHandler(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	action := chi.URLParam(r, "action")

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "request body is not valid JSON")
		return
	}

	opts := []client.CallOption{
		client.WithContext(req.Context),
		client.WithSwitches(req.Switches...),
	}
	if req.TimeoutSeconds > 0 {
		opts = append(opts, client.WithTimeout(time.Duration(req.TimeoutSeconds*float64(time.Second))))
	}
	if len(req.Expands) > 0 {
		opts = append(opts, client.WithExpansions(req.Expands))
	}

	resp, err := g.client.CallAction(r.Context(), service, action, req.Body, opts...)
	if err != nil {
		g.writeSOAError(w, service, action, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"body": resp.Body})
}

func (g *gateway) adminStatusHandler(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	ctx, cancel := context.WithTimeout(r.Context(), g.cfg.RequestTimeout)
	defer cancel()

	resp, err := g.client.CallAction(ctx, service, "status", map[string]any{"verbose": true})
	if err != nil {
		g.writeSOAError(w, service, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"body": resp.Body})
}

// adminGuard rejects requests whose X-Admin-Key header does not verify
// against the configured argon2id hash.
func (g *gateway) adminGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" || !verifyKey(key, g.cfg.AdminKeyHash) {
			writeError(w, http.StatusUnauthorized, "NOT_AUTHORIZED", "missing or invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeSOAError maps framework errors to HTTP statuses: caller errors to
// 400, service faults to 502, timeouts to 504, capacity to 503.
func (g *gateway) writeSOAError(w http.ResponseWriter, service, action string, err error) {
	var jobErr *soa.JobError
	var actionErr *soa.CallActionError
	var sendTimeout *transport.SendTimeout
	var receiveTimeout *transport.ReceiveTimeout
	var sendFailure *transport.SendFailure
	var connFailure *transport.ConnectionFailure

	switch {
	case errors.As(err, &jobErr):
		writeJSON(w, statusForErrors(jobErr.Errors), map[string]any{"errors": errorsPayload(jobErr.Errors)})

	case errors.As(err, &actionErr):
		status := http.StatusBadGateway
		var payload []map[string]any
		for _, a := range actionErr.Actions {
			if s := statusForErrors(a.Errors); s == http.StatusBadRequest {
				status = http.StatusBadRequest
			}
			payload = append(payload, map[string]any{
				"action": a.Action,
				"errors": errorsPayload(a.Errors),
			})
		}
		writeJSON(w, status, map[string]any{"action_errors": payload})

	case errors.As(err, &sendTimeout), errors.As(err, &receiveTimeout):
		writeError(w, http.StatusGatewayTimeout, soa.CodeJobTimeout, "the service did not respond in time")

	case errors.As(err, &sendFailure), errors.As(err, &connFailure):
		g.log.Error("transport failure",
			slog.String("service", service),
			slog.String("action", action),
			slog.Any("error", err),
		)
		writeError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "the service is unreachable")

	default:
		g.log.Error("unexpected call failure",
			slog.String("service", service),
			slog.String("action", action),
			slog.Any("error", err),
		)
		writeError(w, http.StatusInternalServerError, soa.CodeServerError, "internal gateway error")
	}
}

func statusForErrors(errs []soa.Error) int {
	for _, e := range errs {
		if !e.IsCallerError {
			return http.StatusBadGateway
		}
	}
	return http.StatusBadRequest
}

func errorsPayload(errs []soa.Error) []map[string]any {
	out := make([]map[string]any, 0, len(errs))
	for _, e := range errs {
		m := map[string]any{"code": e.Code, "message": e.Message}
		if e.Field != "" {
			m["field"] = e.Field
		}
		out = append(out, m)
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"errors": []map[string]any{{"code": code, "message": message}},
	})
}

func parseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
