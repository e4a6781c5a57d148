package serializer

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
	"github.com/vmihailenco/msgpack/v5"
)

// Extension type ids on the wire. Ids 1 and 10 both carry an int64
// big-endian microsecond timestamp; 1 is the legacy zone-less form and is
// accepted on decode only. Everything encodes as UTC (id 10).
const (
	extNaiveDatetime = 1
	extCurrency      = 2
	extDate          = 3
	extTimeOfDay     = 4
	extDecimal       = 5
	extUTCDatetime   = 10
)

// MsgpackSerializer is the preferred wire encoding: self-describing binary
// msgpack with the extension types registered above.
type MsgpackSerializer struct{}

// NewMsgpackSerializer returns the msgpack serializer. All instances share
// the process-wide extension registrations.
func NewMsgpackSerializer() *MsgpackSerializer { return &MsgpackSerializer{} }

// ContentType implements Serializer.
func (s *MsgpackSerializer) ContentType() string { return ContentTypeMsgpack }

// Encode implements Serializer. Map keys are sorted so identical bodies
// produce identical bytes.
func (s *MsgpackSerializer) Encode(body map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)
	if err := enc.Encode(body); err != nil {
		return nil, &SerializationFailure{Cause: err}
	}
	return buf.Bytes(), nil
}

// Decode implements Serializer.
func (s *MsgpackSerializer) Decode(data []byte) (map[string]any, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	m, err := dec.DecodeMap()
	if err != nil {
		return nil, &DeserializationFailure{Cause: err}
	}
	normalized, err := normalizeDecoded(m)
	if err != nil {
		return nil, &DeserializationFailure{Cause: err}
	}
	return normalized.(map[string]any), nil
}

// normalizeDecoded rewrites nested untyped maps into map[string]any and
// rejects non-string keys, so callers always see one map shape.
func normalizeDecoded(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			n, err := normalizeDecoded(val)
			if err != nil {
				return nil, err
			}
			t[k] = n
		}
		return t, nil
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, fmt.Errorf("map key %v (%T) is not a string", k, k)
			}
			n, err := normalizeDecoded(val)
			if err != nil {
				return nil, err
			}
			out[ks] = n
		}
		return out, nil
	case []any:
		for i, val := range t {
			n, err := normalizeDecoded(val)
			if err != nil {
				return nil, err
			}
			t[i] = n
		}
		return t, nil
	}
	return v, nil
}

func init() {
	msgpack.RegisterExtEncoder(extUTCDatetime, time.Time{}, encodeDatetimeExt)
	msgpack.RegisterExtDecoder(extUTCDatetime, time.Time{}, decodeDatetimeExt)
	msgpack.RegisterExtDecoder(extNaiveDatetime, time.Time{}, decodeDatetimeExt)

	msgpack.RegisterExtEncoder(extDate, Date{}, encodeDateExt)
	msgpack.RegisterExtDecoder(extDate, Date{}, decodeDateExt)

	msgpack.RegisterExtEncoder(extTimeOfDay, TimeOfDay{}, encodeTimeOfDayExt)
	msgpack.RegisterExtDecoder(extTimeOfDay, TimeOfDay{}, decodeTimeOfDayExt)

	msgpack.RegisterExtEncoder(extDecimal, decimal.Decimal{}, encodeDecimalExt)
	msgpack.RegisterExtDecoder(extDecimal, decimal.Decimal{}, decodeDecimalExt)

	msgpack.RegisterExtEncoder(extCurrency, (*money.Money)(nil), encodeCurrencyExt)
	msgpack.RegisterExtDecoder(extCurrency, (*money.Money)(nil), decodeCurrencyExt)
}

// Timestamps travel as int64 big-endian microseconds since the Unix epoch.
func encodeDatetimeExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	t := v.Interface().(time.Time).UTC()
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t.Unix()*1_000_000+int64(t.Nanosecond()/1000)))
	return b, nil
}

func decodeDatetimeExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 8 {
		return fmt.Errorf("datetime ext payload is %d bytes, want 8", extLen)
	}
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	us := int64(binary.BigEndian.Uint64(b))
	v.Set(reflect.ValueOf(time.UnixMicro(us).UTC()))
	return nil
}

func encodeDateExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	d := v.Interface().(Date)
	if err := d.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 4)
	binary.BigEndian.PutUint16(b, uint16(d.Year))
	b[2] = byte(d.Month)
	b[3] = byte(d.Day)
	return b, nil
}

func decodeDateExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 4 {
		return fmt.Errorf("date ext payload is %d bytes, want 4", extLen)
	}
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	date := Date{
		Year:  int(binary.BigEndian.Uint16(b)),
		Month: time.Month(b[2]),
		Day:   int(b[3]),
	}
	if err := date.Validate(); err != nil {
		return err
	}
	v.Set(reflect.ValueOf(date))
	return nil
}

func encodeTimeOfDayExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	t := v.Interface().(TimeOfDay)
	if err := t.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, 7)
	b[0] = byte(t.Hour)
	b[1] = byte(t.Minute)
	b[2] = byte(t.Second)
	binary.BigEndian.PutUint32(b[3:], uint32(t.Microsecond))
	return b, nil
}

func decodeTimeOfDayExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 7 {
		return fmt.Errorf("time ext payload is %d bytes, want 7", extLen)
	}
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	tod := TimeOfDay{
		Hour:        int(b[0]),
		Minute:      int(b[1]),
		Second:      int(b[2]),
		Microsecond: int(binary.BigEndian.Uint32(b[3:])),
	}
	if err := tod.Validate(); err != nil {
		return err
	}
	v.Set(reflect.ValueOf(tod))
	return nil
}

// Decimals travel as a length-prefixed ASCII decimal string, preserving
// precision exactly.
func encodeDecimalExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	dec := v.Interface().(decimal.Decimal)
	s := dec.String()
	if len(s) > 0xffff {
		return nil, fmt.Errorf("decimal string of %d bytes exceeds encoding limit", len(s))
	}
	b := make([]byte, 2+len(s))
	binary.BigEndian.PutUint16(b, uint16(len(s)))
	copy(b[2:], s)
	return b, nil
}

func decodeDecimalExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen < 2 {
		return fmt.Errorf("decimal ext payload is %d bytes, want at least 2", extLen)
	}
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	length := int(binary.BigEndian.Uint16(b))
	if length != extLen-2 {
		return fmt.Errorf("decimal ext declares %d bytes but payload has %d", length, extLen-2)
	}
	dec, err := decimal.NewFromString(string(b[2:]))
	if err != nil {
		return fmt.Errorf("decimal ext: %w", err)
	}
	v.Set(reflect.ValueOf(dec))
	return nil
}

// Currency amounts travel as a 3-byte ISO 4217 code plus an int64
// big-endian amount in the currency's minor unit.
func encodeCurrencyExt(_ *msgpack.Encoder, v reflect.Value) ([]byte, error) {
	m := v.Interface().(*money.Money)
	if m == nil {
		return nil, fmt.Errorf("cannot encode a nil currency amount")
	}
	code := m.Currency().Code
	if len(code) != 3 {
		return nil, fmt.Errorf("currency code %q is not 3 characters", code)
	}
	b := make([]byte, 11)
	copy(b, code)
	binary.BigEndian.PutUint64(b[3:], uint64(m.Amount()))
	return b, nil
}

func decodeCurrencyExt(d *msgpack.Decoder, v reflect.Value, extLen int) error {
	if extLen != 11 {
		return fmt.Errorf("currency ext payload is %d bytes, want 11", extLen)
	}
	b := make([]byte, extLen)
	if err := d.ReadFull(b); err != nil {
		return err
	}
	amount := int64(binary.BigEndian.Uint64(b[3:]))
	v.Set(reflect.ValueOf(money.New(amount, string(b[:3]))))
	return nil
}
