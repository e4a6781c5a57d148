// Package protocol implements the wire framing shared by the Redis gateway
// transport's two directions: the envelope wrapping a message body with its
// request id and metadata, and the versioned frame preamble carrying the
// content type and chunk headers.
//
// Three frame versions exist on the wire:
//
//	version 1: the serialized envelope bytes alone; the content type is
//	           known by prior agreement.
//	version 2: an ASCII preamble "pysoa-redis/2//content-type:<ct>;"
//	           followed by the serialized envelope bytes.
//	version 3: as version 2, plus optional chunk-count and chunk-id
//	           headers so a large response can travel as several frames.
//
// Requests are never chunked; only server responses are.
package protocol

import (
	"fmt"

	"github.com/fairyhunter13/gosoa/serializer"
)

// Meta keys with framework-defined meaning.
const (
	MetaReplyTo         = "reply_to"
	MetaExpiry          = "__expiry__"
	MetaProtocolVersion = "protocol_version"
)

// Envelope wraps a job request or response body for one queue message.
type Envelope struct {
	RequestID int64
	Meta      map[string]any
	Body      map[string]any
}

// InvalidMessage reports an unparseable frame or envelope.
type InvalidMessage struct {
	Reason string
	Cause  error
}

func (e *InvalidMessage) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("invalid message: %s: %v", e.Reason, e.Cause)
	}
	return "invalid message: " + e.Reason
}

func (e *InvalidMessage) Unwrap() error { return e.Cause }

// EncodeEnvelope serializes an envelope to its unframed wire bytes.
func EncodeEnvelope(env *Envelope, s serializer.Serializer) ([]byte, error) {
	meta := env.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	body := env.Body
	if body == nil {
		body = map[string]any{}
	}
	return s.Encode(map[string]any{
		"request_id": env.RequestID,
		"meta":       meta,
		"body":       body,
	})
}

// DecodeEnvelope parses unframed wire bytes back into an envelope.
func DecodeEnvelope(data []byte, s serializer.Serializer) (*Envelope, error) {
	m, err := s.Decode(data)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Meta: map[string]any{}, Body: map[string]any{}}
	id, ok := wireInt64(m["request_id"])
	if !ok {
		return nil, &InvalidMessage{Reason: "envelope has no integer request_id"}
	}
	env.RequestID = id
	if meta, ok := m["meta"].(map[string]any); ok {
		env.Meta = meta
	}
	if body, ok := m["body"].(map[string]any); ok {
		env.Body = body
	}
	return env, nil
}

// wireInt64 accepts the integer shapes the registered serializers produce.
func wireInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int64:
		return t, true
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case uint:
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		return int64(t), true
	case float64:
		if t == float64(int64(t)) {
			return int64(t), true
		}
	case interface{ Int64() (int64, error) }: // json.Number
		n, err := t.Int64()
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
