package redisgateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/gosoa/internal/observability"
	"github.com/fairyhunter13/gosoa/protocol"
	"github.com/fairyhunter13/gosoa/transport"
)

// ClientTransport sends requests to one service's ingress list and
// receives responses on this client instance's reply list.
type ClientTransport struct {
	serviceName string
	ingressKey  string
	core        *core

	mu          sync.Mutex
	replyKey    string // allocated on first non-suppressed send
	outstanding int
}

// NewClientTransport builds the client side of the gateway for one
// service.
func NewClientTransport(serviceName string, s *Settings) (*ClientTransport, error) {
	c, err := newCore(s, false)
	if err != nil {
		return nil, err
	}
	return &ClientTransport{
		serviceName: serviceName,
		ingressKey:  IngressKey(serviceName),
		core:        c,
	}, nil
}

// ServiceName returns the service this transport talks to.
func (t *ClientTransport) ServiceName() string { return t.serviceName }

// SendRequestMessage implements transport.ClientTransport.
func (t *ClientTransport) SendRequestMessage(ctx context.Context, requestID int64, meta map[string]any, body map[string]any, messageExpiry time.Duration) error {
	if meta == nil {
		meta = map[string]any{}
	}
	suppress, _ := meta[transport.MetaSuppressResponse].(bool)
	delete(meta, transport.MetaSuppressResponse)

	if messageExpiry <= 0 {
		messageExpiry = t.core.settings.MessageExpiry
	}
	meta[protocol.MetaExpiry] = time.Now().Add(messageExpiry).Unix()
	if !suppress {
		meta[protocol.MetaReplyTo] = t.replyKeyLocked()
	}

	env := &protocol.Envelope{RequestID: requestID, Meta: meta, Body: body}
	if err := t.core.sendEnvelope(ctx, t.ingressKey, env, t.core.settings.ProtocolVersion, false); err != nil {
		return err
	}
	if !suppress {
		t.mu.Lock()
		t.outstanding++
		t.mu.Unlock()
		observability.OutstandingRequests.WithLabelValues(t.serviceName).Inc()
	}
	return nil
}

// ReceiveResponseMessage implements transport.ClientTransport.
func (t *ClientTransport) ReceiveResponseMessage(ctx context.Context, timeout time.Duration) (int64, map[string]any, map[string]any, error) {
	t.mu.Lock()
	key := t.replyKey
	waiting := t.outstanding
	t.mu.Unlock()
	if key == "" || waiting == 0 {
		return 0, nil, nil, transport.ErrNothingOutstanding
	}
	if timeout <= 0 {
		timeout = t.core.settings.ReceiveTimeout
	}

	env, err := t.core.receiveEnvelope(ctx, key, timeout)
	if err != nil {
		return 0, nil, nil, err
	}
	t.mu.Lock()
	if t.outstanding > 0 {
		t.outstanding--
	}
	t.mu.Unlock()
	observability.OutstandingRequests.WithLabelValues(t.serviceName).Dec()
	return env.RequestID, env.Meta, env.Body, nil
}

// replyKeyLocked lazily allocates this client instance's reply list name.
func (t *ClientTransport) replyKeyLocked() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.replyKey == "" {
		id := strings.ReplaceAll(uuid.NewString(), "-", "")
		t.replyKey = ReplyKey(t.serviceName, id)
	}
	return t.replyKey
}

// Close releases the backend connections.
func (t *ClientTransport) Close() error { return t.core.Close() }
