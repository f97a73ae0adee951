package messages

import (
	"fmt"
	"math"
	"strings"
)

// FieldType is the semantic type of one message field.
type FieldType int

const (
	FieldByte FieldType = iota + 1
	FieldBool
	FieldShort
	FieldInt
	FieldString
)

var fieldTypeNames = map[FieldType]string{
	FieldByte:   "byte",
	FieldBool:   "bool",
	FieldShort:  "short",
	FieldInt:    "int",
	FieldString: "string",
}

func (t FieldType) String() string {
	if name, ok := fieldTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(t))
}

// ParseFieldType parses a field type name from a message table.
func ParseFieldType(s string) (FieldType, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for t, n := range fieldTypeNames {
		if n == name {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown field type %q", s)
}

// Accepts reports whether v has the Go type used for fields of type t:
// byte→uint8, bool→bool, short→int16, int→int32, string→string.
func (t FieldType) Accepts(v any) bool {
	switch t {
	case FieldByte:
		_, ok := v.(uint8)
		return ok
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldShort:
		_, ok := v.(int16)
		return ok
	case FieldInt:
		_, ok := v.(int32)
		return ok
	case FieldString:
		_, ok := v.(string)
		return ok
	}
	return false
}

// Coerce converts a loosely typed value (an untyped constant from a caller,
// a float64 from JSON) to the Go type of t.
func (t FieldType) Coerce(v any) (any, error) {
	if t.Accepts(v) {
		return v, nil
	}

	switch t {
	case FieldBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("%w: want bool, got %T", ErrFieldMismatch, v)
	case FieldString:
		if s, ok := v.(fmt.Stringer); ok {
			return s.String(), nil
		}
		return nil, fmt.Errorf("%w: want string, got %T", ErrFieldMismatch, v)
	}

	n, ok := toInt64(v)
	if !ok {
		return nil, fmt.Errorf("%w: want %s, got %T", ErrFieldMismatch, t, v)
	}
	switch t {
	case FieldByte:
		if n < 0 || n > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %d overflows byte", ErrFieldMismatch, n)
		}
		return uint8(n), nil
	case FieldShort:
		if n < math.MinInt16 || n > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %d overflows short", ErrFieldMismatch, n)
		}
		return int16(n), nil
	case FieldInt:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d overflows int", ErrFieldMismatch, n)
		}
		return int32(n), nil
	}
	return nil, fmt.Errorf("%w: unknown field type %s", ErrFieldMismatch, t)
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return int64(n), true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int64(n), true
	}
	return 0, false
}
