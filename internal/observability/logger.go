// Package observability holds the logging and metrics plumbing shared by
// the client and server engines: slog setup, request-scoped logger context
// helpers, and the prometheus collectors the engines record into.
package observability

import (
	"log/slog"
	"os"
)

// SetupLogger configures a JSON slog logger with service identity fields.
// Binaries call it once and install the result with slog.SetDefault.
func SetupLogger(serviceName, environment string, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{}
	if debug {
		opts.Level = slog.LevelDebug
	}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With(
		slog.String("service", serviceName),
		slog.String("env", environment),
	)
}
