package redisgateway

import (
	"context"
	"time"

	"github.com/fairyhunter13/gosoa/protocol"
	"github.com/fairyhunter13/gosoa/transport"
)

// ServerTransport receives requests from one service's ingress list and
// sends responses to each request's reply list.
type ServerTransport struct {
	serviceName string
	ingressKey  string
	core        *core
}

// NewServerTransport builds the server side of the gateway for one
// service.
func NewServerTransport(serviceName string, s *Settings) (*ServerTransport, error) {
	c, err := newCore(s, true)
	if err != nil {
		return nil, err
	}
	return &ServerTransport{
		serviceName: serviceName,
		ingressKey:  IngressKey(serviceName),
		core:        c,
	}, nil
}

// ServiceName returns the service this transport serves.
func (t *ServerTransport) ServiceName() string { return t.serviceName }

// ReceiveRequestMessage implements transport.ServerTransport. Expired
// requests are discarded before they surface; the returned meta carries
// the requester's reply-to key and protocol version for the response
// path.
func (t *ServerTransport) ReceiveRequestMessage(ctx context.Context, timeout time.Duration) (int64, map[string]any, map[string]any, error) {
	if timeout <= 0 {
		timeout = t.core.settings.ReceiveTimeout
	}
	env, err := t.core.receiveEnvelope(ctx, t.ingressKey, timeout)
	if err != nil {
		return 0, nil, nil, err
	}
	return env.RequestID, env.Meta, env.Body, nil
}

// SendResponseMessage implements transport.ServerTransport. The response
// is framed with the requester's advertised protocol version; chunking
// engages only for version-3 requesters over the configured threshold.
func (t *ServerTransport) SendResponseMessage(ctx context.Context, requestID int64, requestMeta map[string]any, body map[string]any) error {
	replyTo, _ := requestMeta[protocol.MetaReplyTo].(string)
	if replyTo == "" {
		return &transport.SendFailure{
			Reason: transport.ReasonIO,
			Queue:  t.ingressKey,
			Cause:  errNoReplyTo,
		}
	}
	version := protocol.VersionBare
	if v, ok := metaInt64(requestMeta[protocol.MetaProtocolVersion]); ok {
		version = int(v)
	}

	meta := map[string]any{
		protocol.MetaExpiry: time.Now().Add(t.core.settings.MessageExpiry).Unix(),
	}
	env := &protocol.Envelope{RequestID: requestID, Meta: meta, Body: body}
	return t.core.sendEnvelope(ctx, replyTo, env, version, true)
}

// Close releases the backend connections.
func (t *ServerTransport) Close() error { return t.core.Close() }

var errNoReplyTo = &protocol.InvalidMessage{Reason: "request meta has no reply_to key"}
