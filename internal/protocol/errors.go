package protocol

import (
	"errors"
	"fmt"
)

var (
	// ErrShortBuffer means the payload ended before a primitive was complete.
	ErrShortBuffer = errors.New("unexpected end of payload")
	// ErrMalformed means the bytes cannot be a valid primitive for the variant.
	ErrMalformed = errors.New("malformed primitive")
	// ErrOutOfRange means a value cannot be represented by the variant's encoding.
	ErrOutOfRange = errors.New("value out of range")
	// ErrUnsupportedVariant is returned for variants with no primitive rules.
	ErrUnsupportedVariant = errors.New("unsupported client variant")
	// ErrNotConnected is returned when the variant is still ClientUnknown.
	ErrNotConnected = errors.New("game client not connected")
)

// DecodeError reports where decoding of a payload stopped.
type DecodeError struct {
	Offset int
	Kind   string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s at offset %d: %v", e.Kind, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// EncodeError reports a value the variant's encoding cannot represent.
type EncodeError struct {
	Kind string
	Err  error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("encode %s: %v", e.Kind, e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }
