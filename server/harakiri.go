package server

import (
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/fairyhunter13/gosoa/internal/observability"
)

// harakiri is the per-request watchdog: if one request processes longer
// than the timeout, the worker dumps every goroutine stack and exits with
// ExitHarakiri so the supervisor respawns a fresh process.
type harakiri struct {
	timeout time.Duration
	grace   time.Duration
	log     *slog.Logger

	// shuttingDown reports whether a graceful stop is already in flight.
	shuttingDown func() bool
	// exit is swapped in tests; production uses os.Exit.
	exit func(code int)
}

func newHarakiri(timeout, grace time.Duration, shuttingDown func() bool, log *slog.Logger) *harakiri {
	if timeout <= 0 {
		return nil
	}
	if shuttingDown == nil {
		shuttingDown = func() bool { return false }
	}
	return &harakiri{timeout: timeout, grace: grace, shuttingDown: shuttingDown, log: log, exit: os.Exit}
}

// Arm starts the watchdog for one request. The returned func disarms it
// and must be called when the request completes. When the timer fires
// during a graceful shutdown, the request gets one more grace period to
// finish before the exit is forced.
func (h *harakiri) Arm(requestID int64) (disarm func()) {
	if h == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-done:
			return
		case <-time.After(h.timeout):
		}
		observability.HarakiriTotal.Inc()
		h.log.Error("harakiri: request exceeded the processing timeout",
			slog.Int64("request_id", requestID),
			slog.Duration("timeout", h.timeout),
			slog.String("stacks", allStacks()),
		)
		if h.shuttingDown() && h.grace > 0 {
			h.log.Warn("harakiri: shutdown already in progress, waiting out the grace period",
				slog.Int64("request_id", requestID),
				slog.Duration("grace", h.grace),
			)
			select {
			case <-done:
				return
			case <-time.After(h.grace):
			}
		}
		h.exit(ExitHarakiri)
	}()
	return func() { close(done) }
}

// allStacks renders every goroutine's stack, truncated to a sane size.
func allStacks() string {
	buf := make([]byte, 1<<20)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
