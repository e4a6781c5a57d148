// Package server is the serving side of the framework: it dequeues jobs
// for one named service, dispatches their actions to registered handlers
// through a middleware onion, and sends aggregated responses. The
// standalone runner adds worker lifecycle management: forking, respawn
// with a crash budget, signal handling, a harakiri watchdog, heartbeat
// files, and file-watcher triggered reloads.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/gosoa/client"
	"github.com/fairyhunter13/gosoa/transport/redisgateway"
)

// Process exit codes. The distinct harakiri code lets an orchestrator
// tell a hung worker from a crash.
const (
	ExitOK       = 0
	ExitError    = 1
	ExitSettings = 64
	ExitHarakiri = 70
)

// Settings configures a Server.
type Settings struct {
	ServiceName string `env:"SOA_SERVICE_NAME" yaml:"service_name" validate:"required,hostname_rfc1123"`

	Environment string `env:"SOA_ENVIRONMENT" envDefault:"development" yaml:"environment"`
	Debug       bool   `env:"SOA_DEBUG" yaml:"debug"`

	// ReceiveTimeout bounds each idle wait on the ingress queue; it is
	// also the cadence of heartbeat updates and idle hooks while the
	// queue is empty.
	ReceiveTimeout time.Duration `env:"SOA_RECEIVE_TIMEOUT" envDefault:"5s" yaml:"receive_timeout" validate:"min=100ms"`

	// HarakiriTimeout kills the worker when a single request processes
	// longer than this. Zero disables the watchdog.
	HarakiriTimeout       time.Duration `env:"SOA_HARAKIRI_TIMEOUT" yaml:"harakiri_timeout" validate:"min=0"`
	HarakiriShutdownGrace time.Duration `env:"SOA_HARAKIRI_SHUTDOWN_GRACE" envDefault:"30s" yaml:"harakiri_shutdown_grace" validate:"min=1s"`

	// HeartbeatFile, when set, is written with the current epoch after
	// every request and idle period. The template may contain {pid} and
	// {fid} (fork index).
	HeartbeatFile string `env:"SOA_HEARTBEAT_FILE" yaml:"heartbeat_file"`

	// ExtraCensoredFields extends the default set of field names
	// redacted from logged request and response bodies.
	ExtraCensoredFields []string `env:"SOA_EXTRA_CENSORED_FIELDS" envSeparator:"," yaml:"extra_censored_fields"`

	// Redis configures the gateway transport for this service's ingress
	// queue.
	Redis *redisgateway.Settings `yaml:"redis"`

	// ClientRouting, when present, wires the nested client handed to
	// every action for calls to other services.
	ClientRouting *client.Routing `yaml:"client_routing"`

	// Middleware is the onion applied around jobs and actions, first
	// entry outermost. Not loadable from configuration.
	Middleware []Middleware `yaml:"-"`

	// Hooks are the optional lifecycle callbacks of the run loop.
	Hooks Hooks `yaml:"-"`
}

// Hooks are the run loop's optional lifecycle callbacks. Every field may
// be nil.
type Hooks struct {
	// Setup runs once before the loop starts; an error aborts startup.
	Setup func(ctx context.Context) error
	// Teardown runs once after the loop stops.
	Teardown func(ctx context.Context)
	// Idle runs each time a receive window elapses empty.
	Idle func(ctx context.Context)
	// PreRequest and PostRequest bracket each job.
	PreRequest  func(ctx context.Context)
	PostRequest func(ctx context.Context)
}

// LoadSettings reads settings from the environment, with the transport
// settings loaded from their own environment variables.
func LoadSettings() (*Settings, error) {
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("op=server.LoadSettings: %w", err)
	}
	redis, err := redisgateway.LoadSettings()
	if err != nil {
		return nil, err
	}
	s.Redis = redis
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettingsFile reads settings from a YAML file, with environment
// values as the base.
func LoadSettingsFile(path string) (*Settings, error) {
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("op=server.LoadSettingsFile: %w", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=server.LoadSettingsFile: %w", err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("op=server.LoadSettingsFile: parse %s: %w", path, err)
	}
	if s.Redis == nil {
		if s.Redis, err = redisgateway.LoadSettings(); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks structural constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("op=server.Settings.Validate: %w", err)
	}
	if s.Redis != nil {
		if err := s.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}
