// Package redisgateway is the production transport: a request/response
// queueing protocol over Redis LIST primitives. Each service owns an
// ingress list; each client instance owns an ephemeral reply list. Sends
// are capacity-checked RPUSHes with expiry, receives are blocking BLPOPs,
// and oversized responses travel as ordered chunks when the requesting
// client speaks protocol version 3.
package redisgateway

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/gosoa/protocol"
	"github.com/fairyhunter13/gosoa/serializer"
)

// Backend types selectable in Settings.
const (
	BackendStandard = "standard"
	BackendSentinel = "sentinel"
)

// Default sizes and windows.
const (
	DefaultMaximumMessageSizeClient = 100 * 1024
	DefaultMaximumMessageSizeServer = 250 * 1024

	// Chunks leave room for the frame preamble under the size maximum.
	chunkPayloadSlack = 1024
)

// Settings configures one gateway transport instance. Zero fields take
// the documented defaults; role-dependent defaults (message size) are
// applied by the client and server transport constructors.
type Settings struct {
	BackendType string   `env:"SOA_REDIS_BACKEND" envDefault:"standard" yaml:"backend_type" validate:"oneof=standard sentinel"`
	Addresses   []string `env:"SOA_REDIS_ADDRESSES" envDefault:"localhost:6379" envSeparator:"," yaml:"addresses" validate:"min=1,dive,hostname_port"`

	// SentinelServices lists the master service names a sentinel backend
	// load-balances queue keys across. Required for the sentinel backend.
	SentinelServices        []string `env:"SOA_REDIS_SENTINEL_SERVICES" yaml:"sentinel_services"`
	SentinelFailoverRetries int      `env:"SOA_REDIS_SENTINEL_FAILOVER_RETRIES" envDefault:"3" yaml:"sentinel_failover_retries" validate:"min=0,max=10"`

	DB        int    `env:"SOA_REDIS_DB" yaml:"db" validate:"min=0,max=15"`
	Username  string `env:"SOA_REDIS_USERNAME" yaml:"username"`
	Password  string `env:"SOA_REDIS_PASSWORD" yaml:"password"`
	EnableTLS bool   `env:"SOA_REDIS_TLS" yaml:"enable_tls"`

	QueueCapacity    int           `env:"SOA_QUEUE_CAPACITY" envDefault:"10000" yaml:"queue_capacity" validate:"min=1"`
	QueueFullRetries int           `env:"SOA_QUEUE_FULL_RETRIES" envDefault:"10" yaml:"queue_full_retries" validate:"min=0,max=100"`
	MessageExpiry    time.Duration `env:"SOA_MESSAGE_EXPIRY" envDefault:"60s" yaml:"message_expiry" validate:"min=1s"`
	ReceiveTimeout   time.Duration `env:"SOA_RECEIVE_TIMEOUT" envDefault:"5s" yaml:"receive_timeout" validate:"min=1s"`

	// MaximumMessageSize zero means "role default": 100 KiB sending
	// requests, 250 KiB sending responses.
	MaximumMessageSize      int `env:"SOA_MAXIMUM_MESSAGE_SIZE" yaml:"maximum_message_size" validate:"min=0"`
	LogMessagesLargerThan   int `env:"SOA_LOG_MESSAGES_LARGER_THAN" envDefault:"102400" yaml:"log_messages_larger_than" validate:"min=0"`
	ChunkMessagesLargerThan int `env:"SOA_CHUNK_MESSAGES_LARGER_THAN" yaml:"chunk_messages_larger_than" validate:"eq=0|min=102400"`

	// ChunkGapWait bounds how long a receiver waits for each follow-up
	// chunk of a chunked response before discarding the whole message.
	ChunkGapWait time.Duration `env:"SOA_CHUNK_GAP_WAIT" envDefault:"5s" yaml:"chunk_gap_wait" validate:"min=100ms"`

	ProtocolVersion int    `env:"SOA_PROTOCOL_VERSION" envDefault:"3" yaml:"protocol_version" validate:"min=1,max=3"`
	ContentType     string `env:"SOA_CONTENT_TYPE" envDefault:"application/msgpack" yaml:"content_type" validate:"required"`
}

// LoadSettings reads settings from the environment.
func LoadSettings() (*Settings, error) {
	s := &Settings{}
	if err := env.Parse(s); err != nil {
		return nil, fmt.Errorf("op=redisgateway.LoadSettings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadSettingsFile reads settings from a YAML file, with environment
// values as the base.
func LoadSettingsFile(path string) (*Settings, error) {
	s, err := LoadSettings()
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("op=redisgateway.LoadSettingsFile: %w", err)
	}
	if err := yaml.Unmarshal(raw, s); err != nil {
		return nil, fmt.Errorf("op=redisgateway.LoadSettingsFile: parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks structural constraints and cross-field rules.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("op=redisgateway.Settings.Validate: %w", err)
	}
	if s.BackendType == BackendSentinel && len(s.SentinelServices) == 0 {
		return fmt.Errorf("op=redisgateway.Settings.Validate: sentinel backend requires at least one sentinel service name")
	}
	if _, err := serializer.ByContentType(s.ContentType); err != nil {
		return fmt.Errorf("op=redisgateway.Settings.Validate: %w", err)
	}
	if s.ChunkMessagesLargerThan > 0 && s.ProtocolVersion < protocol.VersionChunking {
		return fmt.Errorf("op=redisgateway.Settings.Validate: chunking requires protocol version %d", protocol.VersionChunking)
	}
	return nil
}

// normalized returns a copy with role-dependent defaults filled in.
func (s *Settings) normalized(server bool) *Settings {
	out := *s
	if out.MaximumMessageSize == 0 {
		if server {
			out.MaximumMessageSize = DefaultMaximumMessageSizeServer
		} else {
			out.MaximumMessageSize = DefaultMaximumMessageSizeClient
		}
	}
	return &out
}

// IngressKey names the request list for a service.
func IngressKey(serviceName string) string {
	return "service:" + serviceName
}

// ReplyKey names a client instance's ephemeral response list. The
// trailing "!" pins the key to one backend connection via the hash ring
// so all chunks of one response arrive on the same list.
func ReplyKey(serviceName, clientID string) string {
	return "service:" + serviceName + "." + clientID + "!"
}
