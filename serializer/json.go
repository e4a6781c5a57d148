package serializer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// JSONSerializer is the textual encoding. It covers the JSON-safe subset
// of the data model only: bodies holding extension-typed values (times,
// dates, decimals, currency, raw bytes) are rejected rather than encoded
// lossily.
type JSONSerializer struct{}

// NewJSONSerializer returns the JSON serializer.
func NewJSONSerializer() *JSONSerializer { return &JSONSerializer{} }

// ContentType implements Serializer.
func (s *JSONSerializer) ContentType() string { return ContentTypeJSON }

// Encode implements Serializer.
func (s *JSONSerializer) Encode(body map[string]any) ([]byte, error) {
	if err := checkJSONSafe(body, ""); err != nil {
		return nil, &SerializationFailure{Cause: err}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, &SerializationFailure{Cause: err}
	}
	return data, nil
}

// Decode implements Serializer. Integral numbers decode as int64, other
// numbers as float64, so numeric fields round-trip with their types.
func (s *JSONSerializer) Decode(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return nil, &DeserializationFailure{Cause: err}
	}
	normalized, err := normalizeJSONValue(m)
	if err != nil {
		return nil, &DeserializationFailure{Cause: err}
	}
	return normalized.(map[string]any), nil
}

func checkJSONSafe(v any, path string) error {
	switch t := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64, json.Number:
		return nil
	case map[string]any:
		for k, val := range t {
			if err := checkJSONSafe(val, path+"."+k); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for i, val := range t {
			if err := checkJSONSafe(val, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
		return nil
	case time.Time, Date, TimeOfDay, decimal.Decimal, *money.Money, []byte:
		return fmt.Errorf("value of type %T at %q is not representable in JSON", t, path)
	default:
		return fmt.Errorf("value of type %T at %q is not representable in JSON", t, path)
	}
}

func normalizeJSONValue(v any) (any, error) {
	switch t := v.(type) {
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n, nil
		}
		f, err := t.Float64()
		if err != nil {
			return nil, fmt.Errorf("number %q: %w", t.String(), err)
		}
		return f, nil
	case map[string]any:
		for k, val := range t {
			n, err := normalizeJSONValue(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case []any:
		for i, val := range t {
			n, err := normalizeJSONValue(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	}
	return v, nil
}
