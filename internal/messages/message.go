package messages

import (
	"bytes"
	"fmt"
	"reflect"
)

// Message is a decoded message: its identity, its typed field values in
// declaration order and any trailing bytes the layout does not model.
//
// Messages handed to interception handlers must be treated as immutable; use
// With or Clone to derive a replacement.
type Message struct {
	Identity Identity
	Fields   []any
	Trailer  []byte
}

// NewMessage creates a message without validating it against a definition.
func NewMessage(id Identity, fields ...any) *Message {
	return &Message{Identity: id, Fields: fields}
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	out := &Message{Identity: m.Identity}
	if m.Fields != nil {
		out.Fields = make([]any, len(m.Fields))
		copy(out.Fields, m.Fields)
	}
	if m.Trailer != nil {
		out.Trailer = append([]byte(nil), m.Trailer...)
	}
	return out
}

// With returns a copy of m with field i set to v. It panics if i is out of
// range, like a slice index.
func (m *Message) With(i int, v any) *Message {
	if i < 0 || i >= len(m.Fields) {
		panic(fmt.Sprintf("messages: field index %d out of range for %s with %d fields", i, m.Identity, len(m.Fields)))
	}
	out := m.Clone()
	out.Fields[i] = v
	return out
}

// Field returns field i.
func (m *Message) Field(i int) (any, bool) {
	if i < 0 || i >= len(m.Fields) {
		return nil, false
	}
	return m.Fields[i], true
}

// Int returns field i as an int field, or 0.
func (m *Message) Int(i int) int32 {
	v, _ := m.Field(i)
	n, _ := v.(int32)
	return n
}

// Short returns field i as a short field, or 0.
func (m *Message) Short(i int) int16 {
	v, _ := m.Field(i)
	n, _ := v.(int16)
	return n
}

// Byte returns field i as a byte field, or 0.
func (m *Message) Byte(i int) uint8 {
	v, _ := m.Field(i)
	n, _ := v.(uint8)
	return n
}

// Bool returns field i as a bool field, or false.
func (m *Message) Bool(i int) bool {
	v, _ := m.Field(i)
	b, _ := v.(bool)
	return b
}

// String returns field i as a string field, or "".
func (m *Message) String(i int) string {
	v, _ := m.Field(i)
	s, _ := v.(string)
	return s
}

// Equal reports whether m and o carry the same identity, fields and trailer.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Identity == o.Identity &&
		reflect.DeepEqual(m.Fields, o.Fields) &&
		bytes.Equal(m.Trailer, o.Trailer)
}

// Validate checks m against def: same identity, same arity, Go types matching
// the declared field types.
func (m *Message) Validate(def *Definition) error {
	if m.Identity != def.Identity {
		return fmt.Errorf("%w: message %s against definition %s", ErrFieldMismatch, m.Identity, def.Identity)
	}
	if len(m.Fields) != len(def.Fields) {
		return fmt.Errorf("%w: %s has %d fields, want %d", ErrFieldMismatch, m.Identity, len(m.Fields), len(def.Fields))
	}
	for i, t := range def.Fields {
		if !t.Accepts(m.Fields[i]) {
			return fmt.Errorf("%w: %s field %d is %T, want %s", ErrFieldMismatch, m.Identity, i, m.Fields[i], t)
		}
	}
	return nil
}
