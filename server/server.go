package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/internal/redact"
	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
	"github.com/fairyhunter13/gosoa/transport/redisgateway"
)

// maxTracebackBytes truncates the stack carried on SERVER_ERROR responses.
const maxTracebackBytes = 8192

// Server dequeues jobs for one named service and executes their actions
// through registered handlers. Request handling is strictly sequential:
// one job at a time, one action at a time.
type Server struct {
	settings  *Settings
	transport transport.ServerTransport
	log       *slog.Logger
	censor    *redact.Censor

	nestedClient *client.Client

	mu      sync.Mutex
	actions map[string]*ActionRecord

	jobPipeline    JobFunc
	actionPipeline ActionFunc
	composed       atomic.Bool

	shuttingDown atomic.Bool
	stopLoop     context.CancelFunc
}

// New builds a server whose transport comes from the settings' Redis
// configuration.
func New(settings *Settings) (*Server, error) {
	if settings.Redis == nil {
		return nil, fmt.Errorf("op=server.New: settings have no redis transport configuration")
	}
	t, err := redisgateway.NewServerTransport(settings.ServiceName, settings.Redis)
	if err != nil {
		return nil, err
	}
	return NewWithTransport(settings, t)
}

// NewWithTransport builds a server over an explicit transport.
func NewWithTransport(settings *Settings, t transport.ServerTransport) (*Server, error) {
	if err := validateServiceName(settings.ServiceName); err != nil {
		return nil, err
	}
	s := &Server{
		settings:  settings,
		transport: t,
		log:       slog.Default().With(slog.String("soa_service", settings.ServiceName)),
		censor:    redact.New(settings.ExtraCensoredFields...),
		actions:   map[string]*ActionRecord{},
	}
	if settings.ClientRouting != nil {
		nested, err := client.NewFromRouting(settings.ClientRouting)
		if err != nil {
			return nil, err
		}
		s.nestedClient = nested
	}
	return s, nil
}

func validateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("op=server.validateServiceName: service name is empty")
	}
	return nil
}

// ServiceName returns the service this server handles.
func (s *Server) ServiceName() string { return s.settings.ServiceName }

// RegisterAction adds one action. Registration is rejected once the run
// loop has composed the middleware pipelines.
func (s *Server) RegisterAction(name string, record ActionRecord) error {
	if s.composed.Load() {
		return fmt.Errorf("op=server.Server.RegisterAction: server is already running")
	}
	if name == "" || record.Handler == nil {
		return fmt.Errorf("op=server.Server.RegisterAction: action needs a name and a handler")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[name]; exists {
		return fmt.Errorf("op=server.Server.RegisterAction: action %q is already registered", name)
	}
	s.actions[name] = &record
	return nil
}

// ActionNames returns the registered action names, sorted.
func (s *Server) ActionNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.actions))
	for name := range s.actions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Server) actionRecord(name string) (*ActionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.actions[name]
	return record, ok
}

// compose builds the middleware onions and registers the default status
// and introspect actions where the user has not provided their own.
func (s *Server) compose() {
	if !s.composed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	if _, ok := s.actions["status"]; !ok {
		record := statusActionRecord(s, nil)
		s.actions["status"] = &record
	}
	if _, ok := s.actions["introspect"]; !ok {
		record := introspectActionRecord(s)
		s.actions["introspect"] = &record
	}
	s.mu.Unlock()

	s.actionPipeline = composeAction(s.settings.Middleware, s.executeAction)
	s.jobPipeline = composeJob(s.settings.Middleware, s.processJob)
}

// ProcessJobRequest runs one job through the full middleware onion and
// returns its response. Exposed for the run loop and for in-process
// testing without a transport.
func (s *Server) ProcessJobRequest(ctx context.Context, req *soa.JobRequest) *soa.JobResponse {
	s.compose()
	return s.jobPipeline(ctx, req)
}

// processJob is the base of the job onion: validate the job, execute its
// actions in order, aggregate the responses.
func (s *Server) processJob(ctx context.Context, req *soa.JobRequest) (resp *soa.JobResponse) {
	started := time.Now()
	resp = &soa.JobResponse{Context: map[string]any{}}
	if cid := soa.CorrelationID(req.Context); cid != "" {
		resp.Context[soa.ContextCorrelationID] = cid
	}

	defer func() {
		if r := recover(); r != nil {
			resp.Errors = append(resp.Errors, panicError(r))
			observability.JobsProcessedTotal.WithLabelValues(s.settings.ServiceName, "panic").Inc()
			return
		}
		outcome := "ok"
		if resp.HasErrors() {
			outcome = "job_error"
		}
		observability.JobsProcessedTotal.WithLabelValues(s.settings.ServiceName, outcome).Inc()
		observability.JobDuration.WithLabelValues(s.settings.ServiceName).Observe(time.Since(started).Seconds())
	}()

	if len(req.Actions) == 0 {
		resp.Errors = append(resp.Errors, soa.Error{
			Code:          soa.CodeInvalid,
			Field:         "actions",
			Message:       "job request has no actions",
			IsCallerError: true,
		})
		return resp
	}

	switches := soa.SwitchSetFromWire(req.Context[soa.ContextSwitches])
	jobClient := s.jobClient(req, switches)

	for _, action := range req.Actions {
		actionReq := &ActionRequest{
			Action:    action.Action,
			Body:      action.Body,
			Context:   req.Context,
			Switches:  switches,
			Control:   req.Control,
			RequestID: requestIDFromContext(req.Context),
			Client:    jobClient,
			server:    s,
		}
		actionResp := s.executeActionPipeline(ctx, actionReq)
		resp.Actions = append(resp.Actions, *actionResp)
		if actionResp.HasErrors() && !req.Control.ContinueOnError {
			break
		}
	}
	return resp
}

// executeActionPipeline runs one action through the action onion with
// timing and error metrics.
func (s *Server) executeActionPipeline(ctx context.Context, req *ActionRequest) *soa.ActionResponse {
	s.compose()
	started := time.Now()
	resp := s.actionPipeline(ctx, req)
	observability.ActionDuration.WithLabelValues(s.settings.ServiceName, req.Action).Observe(time.Since(started).Seconds())
	for _, e := range resp.Errors {
		observability.ActionErrorsTotal.WithLabelValues(s.settings.ServiceName, req.Action, e.Code).Inc()
	}
	return resp
}

// executeAction is the base of the action onion: resolve the handler,
// validate, execute, validate the result.
func (s *Server) executeAction(ctx context.Context, req *ActionRequest) (resp *soa.ActionResponse) {
	resp = &soa.ActionResponse{Action: req.Action}
	defer func() {
		if r := recover(); r != nil {
			resp.Body = nil
			resp.Errors = append(resp.Errors, panicError(r))
		}
	}()

	record := req.record
	if record == nil {
		var ok bool
		if record, ok = s.actionRecord(req.Action); !ok {
			resp.Errors = append(resp.Errors, soa.Error{
				Code:          soa.CodeUnknownAction,
				Message:       fmt.Sprintf("the service %q has no action %q", s.settings.ServiceName, req.Action),
				IsCallerError: true,
			})
			return resp
		}
	}

	if record.ValidateRequest != nil {
		if errs := record.ValidateRequest(req.Body); len(errs) > 0 {
			resp.Errors = append(resp.Errors, errs...)
			return resp
		}
	}

	lg := observability.RequestLogger(s.log, s.settings.ServiceName, soa.CorrelationID(req.Context), req.RequestID)
	ctx = observability.ContextWithLogger(ctx, lg)
	lg.Debug("executing action",
		slog.String("action", req.Action),
		slog.Any("body", s.censor.Map(req.Body)),
	)

	body, err := record.Handler(ctx, req)
	if err != nil {
		var failure *ActionFailure
		if errors.As(err, &failure) {
			resp.Errors = append(resp.Errors, failure.Errors...)
			return resp
		}
		lg.Error("unhandled action error", slog.String("action", req.Action), slog.Any("error", err))
		resp.Errors = append(resp.Errors, soa.Error{
			Code:    soa.CodeServerError,
			Message: truncate(err.Error(), maxTracebackBytes),
		})
		return resp
	}

	if record.ValidateResponse != nil {
		if errs := record.ValidateResponse(body); len(errs) > 0 {
			lg.Error("action produced an invalid response", slog.String("action", req.Action))
			resp.Errors = append(resp.Errors, soa.Error{
				Code:    soa.CodeResponseNotValid,
				Message: fmt.Sprintf("the action %q produced a response that does not validate", req.Action),
			})
			return resp
		}
	}
	resp.Body = body
	return resp
}

// jobClient derives the nested client for one job, carrying the job's
// context so correlation flows through calls the handlers make.
func (s *Server) jobClient(req *soa.JobRequest, switches soa.SwitchSet) *client.Client {
	if s.nestedClient == nil {
		return nil
	}
	propagated := make(map[string]any, len(req.Context))
	for k, v := range req.Context {
		if k == soa.ContextRequestID || k == soa.ContextSwitches {
			continue
		}
		propagated[k] = v
	}
	return s.nestedClient.Derive(propagated, switches.Sorted()...)
}

func requestIDFromContext(ctx map[string]any) int64 {
	switch t := ctx[soa.ContextRequestID].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func panicError(r any) soa.Error {
	return soa.Error{
		Code:      soa.CodeServerError,
		Message:   fmt.Sprintf("unhandled panic: %v", r),
		Traceback: truncate(string(debug.Stack()), maxTracebackBytes),
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit]
}

// Close releases the transport and the nested client.
func (s *Server) Close() error {
	var firstErr error
	if s.nestedClient != nil {
		if err := s.nestedClient.Close(); err != nil {
			firstErr = err
		}
	}
	if err := s.transport.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
