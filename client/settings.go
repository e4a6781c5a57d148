// Package client is the calling side of the framework: it builds job
// requests, dispatches them over a transport, correlates responses by
// request id, and exposes blocking, future, parallel, and streaming
// receive APIs plus response expansions.
package client

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/gosoa/transport"
	"github.com/fairyhunter13/gosoa/transport/redisgateway"
)

// DefaultTimeout is the round-trip timeout used when neither settings nor
// the call options specify one.
const DefaultTimeout = 5 * time.Second

// expiryBuffer is added to the call timeout when stamping the message
// expiry, so a response to a timed-out call stays retrievable through the
// response stream for a short window.
const expiryBuffer = 10 * time.Second

// TransportFactory builds the client transport for a service the first
// time the client calls it.
type TransportFactory func(serviceName string) (transport.ClientTransport, error)

// Settings configures a Client.
type Settings struct {
	// Transport builds per-service transports. Required.
	Transport TransportFactory

	// Context is the base context map merged into every outgoing job:
	// caller identity fields and, when the client lives inside a server
	// handler, the inbound correlation id and switches.
	Context map[string]any

	// Switches are feature flags set-unioned with per-call switches.
	Switches []int

	// Middleware is the onion applied around send and receive, first
	// entry outermost.
	Middleware []Middleware

	// DefaultTimeout bounds a round trip when the call does not override
	// it. Zero means DefaultTimeout.
	DefaultTimeout time.Duration

	// Expansions configures response expansion routes. Nil disables
	// expansions.
	Expansions *ExpansionConfig
}

// Routing is the YAML-loadable transport routing table: gateway settings
// per service, with a default for services not listed.
type Routing struct {
	Default  *redisgateway.Settings            `yaml:"default" validate:"required"`
	Services map[string]*redisgateway.Settings `yaml:"services"`

	Expansions *ExpansionConfig `yaml:"expansions"`
}

// LoadRouting reads a routing table from a YAML file.
func LoadRouting(path string) (*Routing, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=client.LoadRouting: %w", err)
	}
	r := &Routing{}
	if err := yaml.Unmarshal(raw, r); err != nil {
		return nil, fmt.Errorf("op=client.LoadRouting: parse %s: %w", path, err)
	}
	if err := validator.New().Struct(r); err != nil {
		return nil, fmt.Errorf("op=client.LoadRouting: %w", err)
	}
	if err := r.Default.Validate(); err != nil {
		return nil, fmt.Errorf("op=client.LoadRouting: default: %w", err)
	}
	for name, s := range r.Services {
		if err := s.Validate(); err != nil {
			return nil, fmt.Errorf("op=client.LoadRouting: service %s: %w", name, err)
		}
	}
	if r.Expansions != nil {
		if err := r.Expansions.Validate(); err != nil {
			return nil, fmt.Errorf("op=client.LoadRouting: %w", err)
		}
	}
	return r, nil
}

// Factory returns a TransportFactory resolving each service through the
// routing table.
func (r *Routing) Factory() TransportFactory {
	return func(serviceName string) (transport.ClientTransport, error) {
		settings := r.Default
		if s, ok := r.Services[serviceName]; ok {
			settings = s
		}
		return redisgateway.NewClientTransport(serviceName, settings)
	}
}
