// Command example-service runs a demonstration SOA service exposing a
// handful of actions (square, echo, slow, detect_type, get_users) over
// the Redis gateway transport. It wires tracing, job auditing, and
// metrics the way a production service would.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v10"

	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/middleware"
	"github.com/fairyhunter13/gosoa/server"
)

// extraConfig holds the binary's own knobs, on top of the framework's
// server settings.
type extraConfig struct {
	OTLPEndpoint string   `env:"OTLP_ENDPOINT"`
	AuditBrokers []string `env:"AUDIT_BROKERS" envSeparator:","`
}

func main() {
	os.Exit(server.Main(os.Args[1:], build))
}

func build(settings *server.Settings) (*server.Server, error) {
	extra := extraConfig{}
	if err := env.Parse(&extra); err != nil {
		return nil, err
	}

	shutdownTracer, err := observability.SetupTracing(context.Background(),
		settings.ServiceName, settings.Environment, extra.OTLPEndpoint)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}

	settings.Middleware = append(settings.Middleware, middleware.NewServerTracing())

	var audit *middleware.JobAudit
	if len(extra.AuditBrokers) > 0 {
		audit, err = middleware.NewJobAudit(context.Background(), middleware.AuditSettings{
			ServiceName: settings.ServiceName,
			Brokers:     extra.AuditBrokers,
		}, slog.Default())
		if err != nil {
			return nil, err
		}
		settings.Middleware = append(settings.Middleware, audit)
	}

	settings.Hooks.Teardown = func(ctx context.Context) {
		if audit != nil {
			if err := audit.Close(); err != nil {
				slog.Warn("failed to close audit middleware", slog.Any("error", err))
			}
		}
		if shutdownTracer != nil {
			_ = shutdownTracer(ctx)
		}
	}

	srv, err := server.New(settings)
	if err != nil {
		return nil, err
	}
	if err := registerActions(srv); err != nil {
		return nil, err
	}
	if err := srv.RegisterStatusAction([]server.Healthcheck{selfCheck()}); err != nil {
		return nil, err
	}
	return srv, nil
}
