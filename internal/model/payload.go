package model

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrMalformedInput marks payloads that cannot be interpreted under their
// declared field types. Malformed records are routed to the dead-letter
// channel, never silently dropped or coerced.
var ErrMalformedInput = eris.New("malformed input")

// FieldType is the closed set of payload field types.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldTimestamp FieldType = "timestamp"
	FieldBool      FieldType = "bool"
)

// Valid reports whether t is one of the recognized field types.
func (t FieldType) Valid() bool {
	switch t {
	case FieldString, FieldNumber, FieldTimestamp, FieldBool:
		return true
	}
	return false
}

// FieldValue is a typed payload value. Value is nil for explicit nulls.
type FieldValue struct {
	Type  FieldType `json:"type"`
	Value any       `json:"value"`
}

// IsNull reports whether the value is an explicit null or empty string.
func (v FieldValue) IsNull() bool {
	if v.Value == nil {
		return true
	}
	if s, ok := v.Value.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	return false
}

// Field is one named, typed entry in a payload.
type Field struct {
	Name  string     `json:"name"`
	Value FieldValue `json:"value"`
}

// Payload is an ordered mapping of field name to typed value. Order is the
// ingestion order and is preserved through merges so representative payloads
// are reproducible.
type Payload struct {
	fields []Field
	index  map[string]int
}

// NewPayload builds a payload from fields in order. Duplicate names and
// unrecognized types are ErrMalformedInput.
func NewPayload(fields ...Field) (Payload, error) {
	p := Payload{index: make(map[string]int, len(fields))}
	for _, f := range fields {
		if f.Name == "" {
			return Payload{}, eris.Wrap(ErrMalformedInput, "payload: empty field name")
		}
		if !f.Value.Type.Valid() {
			return Payload{}, eris.Wrapf(ErrMalformedInput, "payload: field %q has unknown type %q", f.Name, f.Value.Type)
		}
		if _, dup := p.index[f.Name]; dup {
			return Payload{}, eris.Wrapf(ErrMalformedInput, "payload: duplicate field %q", f.Name)
		}
		if err := checkType(f.Name, f.Value); err != nil {
			return Payload{}, err
		}
		p.index[f.Name] = len(p.fields)
		p.fields = append(p.fields, f)
	}
	return p, nil
}

// MustPayload is NewPayload that panics on error, for tests and fixtures.
func MustPayload(fields ...Field) Payload {
	p, err := NewPayload(fields...)
	if err != nil {
		panic(err)
	}
	return p
}

// checkType verifies the dynamic value matches the declared type. JSON
// decoding yields float64 for numbers and string for timestamps.
func checkType(name string, v FieldValue) error {
	if v.Value == nil {
		return nil
	}
	switch v.Type {
	case FieldString:
		if _, ok := v.Value.(string); !ok {
			return eris.Wrapf(ErrMalformedInput, "payload: field %q declared string, got %T", name, v.Value)
		}
	case FieldNumber:
		switch v.Value.(type) {
		case float64, int, int64:
		default:
			return eris.Wrapf(ErrMalformedInput, "payload: field %q declared number, got %T", name, v.Value)
		}
	case FieldTimestamp:
		switch t := v.Value.(type) {
		case time.Time:
		case string:
			if _, err := time.Parse(time.RFC3339, t); err != nil {
				return eris.Wrapf(ErrMalformedInput, "payload: field %q declared timestamp, got %q", name, t)
			}
		default:
			return eris.Wrapf(ErrMalformedInput, "payload: field %q declared timestamp, got %T", name, v.Value)
		}
	case FieldBool:
		if _, ok := v.Value.(bool); !ok {
			return eris.Wrapf(ErrMalformedInput, "payload: field %q declared bool, got %T", name, v.Value)
		}
	}
	return nil
}

// MarshalJSON encodes the payload as an ordered array of fields.
func (p Payload) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.fields)
}

// UnmarshalJSON decodes an ordered array of fields, re-validating types.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields []Field
	if err := json.Unmarshal(data, &fields); err != nil {
		return eris.Wrap(ErrMalformedInput, err.Error())
	}
	decoded, err := NewPayload(fields...)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// Get returns the value for name and whether it exists.
func (p Payload) Get(name string) (FieldValue, bool) {
	i, ok := p.index[name]
	if !ok {
		return FieldValue{}, false
	}
	return p.fields[i].Value, true
}

// Fields returns the fields in payload order. Callers must not mutate.
func (p Payload) Fields() []Field {
	return p.fields
}

// Len returns the number of fields.
func (p Payload) Len() int {
	return len(p.fields)
}

// NonNullCount returns the number of fields with non-null values.
func (p Payload) NonNullCount() int {
	n := 0
	for _, f := range p.fields {
		if !f.Value.IsNull() {
			n++
		}
	}
	return n
}

// String returns the field value rendered as a string, empty for nulls.
func (v FieldValue) String() string {
	if v.IsNull() {
		return ""
	}
	switch t := v.Value.(type) {
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// Number returns the numeric value. Second return is false for nulls or
// non-number fields.
func (v FieldValue) Number() (float64, bool) {
	if v.Type != FieldNumber || v.IsNull() {
		return 0, false
	}
	switch t := v.Value.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	}
	return 0, false
}

// Timestamp returns the time value. Second return is false for nulls,
// non-timestamp fields, or unparseable strings.
func (v FieldValue) Timestamp() (time.Time, bool) {
	if v.Type != FieldTimestamp || v.IsNull() {
		return time.Time{}, false
	}
	switch t := v.Value.(type) {
	case time.Time:
		return t, true
	case string:
		ts, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, false
		}
		return ts, true
	}
	return time.Time{}, false
}
