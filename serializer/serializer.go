// Package serializer encodes and decodes message bodies. Bodies are nested
// string-keyed maps of primitives plus a small set of extension types:
// timestamps, calendar dates, clock times, arbitrary-precision decimals,
// currency amounts, and raw bytes.
//
// Two encodings ship by default: a binary msgpack encoding (preferred on
// the wire) and a JSON encoding restricted to the JSON-safe subset. Each is
// registered under a MIME-style content type so the transport can name the
// encoding in frame headers.
package serializer

import (
	"fmt"
	"sort"
	"sync"
)

// Content types of the built-in serializers.
const (
	ContentTypeMsgpack = "application/msgpack"
	ContentTypeJSON    = "application/json"
)

// Serializer converts message bodies to and from bytes.
type Serializer interface {
	Encode(body map[string]any) ([]byte, error)
	Decode(data []byte) (map[string]any, error)
	ContentType() string
}

// SerializationFailure reports input that the serializer cannot encode.
// This is a programming error on the sending side, not a transient fault.
type SerializationFailure struct {
	Cause error
}

func (e *SerializationFailure) Error() string {
	return fmt.Sprintf("serialization failure: %v", e.Cause)
}

func (e *SerializationFailure) Unwrap() error { return e.Cause }

// DeserializationFailure reports bytes that cannot be decoded, typically
// corruption or a content-type mismatch.
type DeserializationFailure struct {
	Cause error
}

func (e *DeserializationFailure) Error() string {
	return fmt.Sprintf("deserialization failure: %v", e.Cause)
}

func (e *DeserializationFailure) Unwrap() error { return e.Cause }

var (
	registryMu sync.RWMutex
	registry   = map[string]Serializer{}
)

// Register makes a serializer resolvable by its content type. Later
// registrations replace earlier ones with the same content type.
func Register(s Serializer) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.ContentType()] = s
}

// ByContentType resolves a registered serializer.
func ByContentType(contentType string) (Serializer, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[contentType]
	if !ok {
		return nil, fmt.Errorf("op=serializer.ByContentType: no serializer registered for %q (have %v)",
			contentType, registeredContentTypesLocked())
	}
	return s, nil
}

// Default returns the preferred wire serializer (msgpack).
func Default() Serializer {
	s, err := ByContentType(ContentTypeMsgpack)
	if err != nil {
		panic(err) // built-ins register in init
	}
	return s
}

func registeredContentTypesLocked() []string {
	out := make([]string, 0, len(registry))
	for ct := range registry {
		out = append(out, ct)
	}
	sort.Strings(out)
	return out
}

func init() {
	Register(NewMsgpackSerializer())
	Register(NewJSONSerializer())
}
