package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/gosoa/soa"
	"github.com/fairyhunter13/gosoa/transport"
)

// connectionFailureBackoff spaces receive retries after a broker failure
// so a dead Redis does not spin the loop.
const connectionFailureBackoff = time.Second

// Run executes the worker loop until the context is cancelled or a
// shutdown signal arrives: receive a job, process it through the
// middleware onion, send the response, repeat. forkID is this worker's
// index when running under the forking supervisor, zero otherwise.
func (s *Server) Run(ctx context.Context, forkID int) error {
	s.compose()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.stopLoop = cancel

	if s.settings.Hooks.Setup != nil {
		if err := s.settings.Hooks.Setup(ctx); err != nil {
			return err
		}
	}

	hb, err := newHeartbeat(s.settings.HeartbeatFile, forkID)
	if err != nil {
		return err
	}
	defer hb.Close()

	watchdog := newHarakiri(s.settings.HarakiriTimeout, s.settings.HarakiriShutdownGrace, s.shuttingDown.Load, s.log)

	stopSignals := s.trapSignals(cancel)
	defer stopSignals()

	s.log.Info("server starting",
		slog.Int("fork_id", forkID),
		slog.Int("pid", os.Getpid()),
		slog.Any("actions", s.ActionNames()),
	)

	for !s.shuttingDown.Load() {
		requestID, meta, body, err := s.transport.ReceiveRequestMessage(ctx, s.settings.ReceiveTimeout)
		switch {
		case errors.Is(err, transport.ErrNoMessage):
			hb.Tick()
			if s.settings.Hooks.Idle != nil {
				s.settings.Hooks.Idle(ctx)
			}
			continue
		case err != nil:
			if s.shuttingDown.Load() {
				continue
			}
			s.log.Error("failed to receive request", slog.Any("error", err))
			hb.Tick()
			sleepContext(ctx, connectionFailureBackoff)
			continue
		}

		s.handleRequest(ctx, watchdog, requestID, meta, body)
		hb.Tick()
	}

	s.log.Info("server stopping", slog.Int("fork_id", forkID))
	if s.settings.Hooks.Teardown != nil {
		s.settings.Hooks.Teardown(context.Background())
	}
	return nil
}

// handleRequest processes one received message end to end: parse,
// process, respond.
func (s *Server) handleRequest(ctx context.Context, watchdog *harakiri, requestID int64, meta map[string]any, body map[string]any) {
	if s.settings.Hooks.PreRequest != nil {
		s.settings.Hooks.PreRequest(ctx)
	}
	defer func() {
		if s.settings.Hooks.PostRequest != nil {
			s.settings.Hooks.PostRequest(ctx)
		}
	}()

	disarm := watchdog.Arm(requestID)
	defer disarm()

	req, err := soa.JobRequestFromMap(body)
	if err != nil {
		s.log.Warn("received malformed job request",
			slog.Int64("request_id", requestID),
			slog.Any("error", err),
		)
		req = &soa.JobRequest{Context: map[string]any{}}
	}

	resp := s.jobPipeline(ctx, req)

	if req.Control.SuppressResponse {
		return
	}
	if err := s.transport.SendResponseMessage(ctx, requestID, meta, resp.ToMap()); err != nil {
		var tooLarge *transport.TooLarge
		if errors.As(err, &tooLarge) {
			s.sendTooLargeResponse(ctx, requestID, meta, resp, tooLarge)
			return
		}
		s.log.Error("failed to send response",
			slog.Int64("request_id", requestID),
			slog.Any("error", err),
		)
	}
}

// sendTooLargeResponse replaces an oversized response with a job-level
// RESPONSE_TOO_LARGE error so the client learns why the payload is gone.
func (s *Server) sendTooLargeResponse(ctx context.Context, requestID int64, meta map[string]any, original *soa.JobResponse, cause *transport.TooLarge) {
	s.log.Warn("response too large to send",
		slog.Int64("request_id", requestID),
		slog.Int("size", cause.Size),
		slog.Int("limit", cause.Limit),
	)
	errResp := &soa.JobResponse{
		Context: original.Context,
		Errors: []soa.Error{{
			Code:    soa.CodeResponseTooLarge,
			Message: cause.Error(),
		}},
	}
	if err := s.transport.SendResponseMessage(ctx, requestID, meta, errResp.ToMap()); err != nil {
		s.log.Error("failed to send too-large error response",
			slog.Int64("request_id", requestID),
			slog.Any("error", err),
		)
	}
}

// Shutdown begins a graceful stop of the run loop. Idempotent and safe
// from any goroutine, including signal handlers.
func (s *Server) Shutdown() {
	if s.shuttingDown.CompareAndSwap(false, true) {
		if s.stopLoop != nil {
			s.stopLoop()
		}
	}
}

// trapSignals installs the SIGTERM/SIGINT handler: the first signal
// begins a graceful shutdown, a second one forces immediate exit.
func (s *Server) trapSignals(cancel context.CancelFunc) (stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	done := make(chan struct{})
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case sig := <-ch:
				if s.shuttingDown.CompareAndSwap(false, true) {
					s.log.Info("shutdown signal received", slog.String("signal", sig.String()))
					cancel()
					continue
				}
				s.log.Warn("second shutdown signal received, exiting immediately",
					slog.String("signal", sig.String()))
				os.Exit(ExitError)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func sleepContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
