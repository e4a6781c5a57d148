// Package redact censors sensitive field values from request and response
// bodies before they reach a log line.
package redact

import "strings"

// Replacement is the value substituted for a censored field.
const Replacement = "**********"

// defaultFields are always censored, regardless of configuration.
var defaultFields = []string{
	"password",
	"passphrase",
	"secret",
	"token",
	"access_token",
	"refresh_token",
	"api_key",
	"authorization",
	"credit_card",
	"card_number",
	"cvv",
	"ssn",
}

// Censor holds the field-name set to redact. The zero value censors the
// default set only.
type Censor struct {
	fields map[string]struct{}
}

// New builds a censor covering the default sensitive fields plus any
// extras from configuration. Matching is case-insensitive on the exact
// field name.
func New(extraFields ...string) *Censor {
	c := &Censor{fields: make(map[string]struct{}, len(defaultFields)+len(extraFields))}
	for _, f := range defaultFields {
		c.fields[f] = struct{}{}
	}
	for _, f := range extraFields {
		c.fields[strings.ToLower(f)] = struct{}{}
	}
	return c
}

// Map returns a deep copy of the body with every sensitive field's value
// replaced. The input is never mutated; non-sensitive values are shared,
// not copied.
func (c *Censor) Map(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	if c == nil || c.fields == nil {
		c = New()
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if _, sensitive := c.fields[strings.ToLower(k)]; sensitive {
			out[k] = Replacement
			continue
		}
		out[k] = c.value(v)
	}
	return out
}

func (c *Censor) value(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return c.Map(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = c.value(item)
		}
		return out
	}
	return v
}
