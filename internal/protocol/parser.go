package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PacketReader reads primitives from a payload using the rules of one client
// variant and direction. Every failure is a *DecodeError carrying the offset
// at which the failing primitive started.
type PacketReader struct {
	data      []byte
	pos       int
	variant   ClientVariant
	direction Direction
}

// NewPacketReader creates a reader over data.
func NewPacketReader(variant ClientVariant, direction Direction, data []byte) *PacketReader {
	return &PacketReader{data: data, variant: variant, direction: direction}
}

// Pos returns the current read offset.
func (r *PacketReader) Pos() int { return r.pos }

// Len returns the number of unread bytes.
func (r *PacketReader) Len() int { return len(r.data) - r.pos }

// Remaining returns a copy of the unread bytes without consuming them.
func (r *PacketReader) Remaining() []byte {
	if r.pos >= len(r.data) {
		return nil
	}
	out := make([]byte, len(r.data)-r.pos)
	copy(out, r.data[r.pos:])
	return out
}

func (r *PacketReader) fail(kind string, err error) error {
	return &DecodeError{Offset: r.pos, Kind: kind, Err: err}
}

func (r *PacketReader) take(kind string, n int) ([]byte, error) {
	if r.Len() < n {
		return nil, r.fail(kind, ErrShortBuffer)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// ReadByte reads one raw byte.
func (r *PacketReader) ReadByte() (byte, error) {
	b, err := r.take("byte", 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadBool reads a boolean.
func (r *PacketReader) ReadBool() (bool, error) {
	// VL64 0 or 1
	if r.variant == ClientShockwave {
		start := r.pos
		v, err := r.readVL64("bool")
		if err != nil {
			return false, err
		}
		if v != 0 && v != 1 {
			r.pos = start
			return false, r.fail("bool", fmt.Errorf("%w: bool value %d", ErrMalformed, v))
		}
		return v == 1, nil
	}

	b, err := r.take("bool", 1)
	if err != nil {
		return false, err
	}
	// Rewind so the error points at the bad byte
	if b[0] > 1 {
		r.pos--
		return false, r.fail("bool", fmt.Errorf("%w: bool byte 0x%02x", ErrMalformed, b[0]))
	}
	return b[0] == 1, nil
}

// ReadShort reads a 16-bit value.
func (r *PacketReader) ReadShort() (int16, error) {
	b, err := r.take("short", 2)
	if err != nil {
		return 0, err
	}
	if r.variant == ClientShockwave {
		v, err := DecodeB64(b)
		if err != nil {
			r.pos -= 2
			return 0, r.fail("short", err)
		}
		return int16(v), nil
	}
	return int16(binary.BigEndian.Uint16(b)), nil
}

// ReadInt reads a 32-bit integer.
func (r *PacketReader) ReadInt() (int32, error) {
	if r.variant == ClientShockwave {
		return r.readVL64("int")
	}
	b, err := r.take("int", 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *PacketReader) readVL64(kind string) (int32, error) {
	v, n, err := DecodeVL64(r.data[r.pos:])
	if err != nil {
		return 0, r.fail(kind, err)
	}
	r.pos += n
	return v, nil
}

// ReadString reads a string.
func (r *PacketReader) ReadString() (string, error) {
	start := r.pos

	// Inbound Shockwave strings run to the terminator
	if r.variant == ClientShockwave && r.direction == Inbound {
		idx := bytes.IndexByte(r.data[r.pos:], ShockwaveStringTerminator)
		if idx < 0 {
			return "", r.fail("string", ErrShortBuffer)
		}
		s := string(r.data[r.pos : r.pos+idx])
		r.pos += idx + 1
		return s, nil
	}

	// Everything else is length-prefixed
	prefix, err := r.take("string", 2)
	if err != nil {
		return "", err
	}

	var n int
	if r.variant == ClientShockwave {
		n, err = DecodeB64(prefix)
		if err != nil {
			r.pos = start
			return "", r.fail("string", err)
		}
	} else {
		n = int(binary.BigEndian.Uint16(prefix))
	}

	// Report truncation at the start of the string
	body, err := r.take("string", n)
	if err != nil {
		r.pos = start
		return "", r.fail("string", ErrShortBuffer)
	}
	return string(body), nil
}

// ReadBytes reads n raw bytes.
func (r *PacketReader) ReadBytes(n int) ([]byte, error) {
	if n < 0 {
		return nil, r.fail("bytes", fmt.Errorf("%w: negative length %d", ErrMalformed, n))
	}
	b, err := r.take("bytes", n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}
