package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// PacketBuilder constructs packet payloads for one client variant and
// direction. Writes chain; the first failure is kept and reported by Err and
// Build, later writes become no-ops.
type PacketBuilder struct {
	buf       bytes.Buffer
	variant   ClientVariant
	direction Direction
	err       error
}

// NewPacketBuilder creates a builder using the primitive rules of variant for
// frames travelling in direction.
func NewPacketBuilder(variant ClientVariant, direction Direction) *PacketBuilder {
	b := &PacketBuilder{variant: variant, direction: direction}
	if variant != ClientFlash && variant != ClientShockwave {
		b.err = &EncodeError{Kind: "packet", Err: ErrUnsupportedVariant}
	}
	return b
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
	b.err = nil
}

func (b *PacketBuilder) fail(kind string, err error) *PacketBuilder {
	if b.err == nil {
		b.err = &EncodeError{Kind: kind, Err: err}
	}
	return b
}

// WriteByte writes a single raw byte.
func (b *PacketBuilder) WriteByte(v byte) *PacketBuilder {
	if b.err != nil {
		return b
	}
	b.buf.WriteByte(v)
	return b
}

// WriteBool writes a boolean: one byte on Flash, a VL64 0/1 on Shockwave.
func (b *PacketBuilder) WriteBool(v bool) *PacketBuilder {
	if b.err != nil {
		return b
	}
	var n int32
	if v {
		n = 1
	}
	if b.variant == ClientShockwave {
		b.buf.Write(EncodeVL64(n))
		return b
	}
	b.buf.WriteByte(byte(n))
	return b
}

// WriteShort writes a 16-bit value: big-endian on Flash, two B64 digits on
// Shockwave (0..4095).
func (b *PacketBuilder) WriteShort(v int16) *PacketBuilder {
	if b.err != nil {
		return b
	}
	if b.variant == ClientShockwave {
		// Two digits hold 0..4095
		enc, err := EncodeB64(int(v), 2)
		if err != nil {
			return b.fail("short", err)
		}
		b.buf.Write(enc)
		return b
	}
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteInt writes a 32-bit integer: big-endian on Flash, VL64 on Shockwave.
func (b *PacketBuilder) WriteInt(v int32) *PacketBuilder {
	if b.err != nil {
		return b
	}
	if b.variant == ClientShockwave {
		b.buf.Write(EncodeVL64(v))
		return b
	}
	binary.Write(&b.buf, binary.BigEndian, v)
	return b
}

// WriteString writes a string.
// Flash:               [length:2 BE][bytes...]
// Shockwave outbound:  [length:2 B64][bytes...]
// Shockwave inbound:   [bytes...][0x02]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	if b.err != nil {
		return b
	}
	if b.variant == ClientShockwave && b.direction == Inbound {
		// The terminator cannot be escaped
		if strings.IndexByte(s, ShockwaveStringTerminator) >= 0 {
			return b.fail("string", fmt.Errorf("%w: contains terminator byte", ErrOutOfRange))
		}
		b.buf.WriteString(s)
		b.buf.WriteByte(ShockwaveStringTerminator)
		return b
	}

	if b.variant == ClientShockwave {
		enc, err := EncodeB64(len(s), 2)
		if err != nil {
			return b.fail("string", err)
		}
		b.buf.Write(enc)
		b.buf.WriteString(s)
		return b
	}

	// Flash length prefix is uint16
	if len(s) > MaxStringLength {
		return b.fail("string", fmt.Errorf("%w: %d bytes", ErrOutOfRange, len(s)))
	}
	binary.Write(&b.buf, binary.BigEndian, uint16(len(s)))
	b.buf.WriteString(s)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	if b.err != nil {
		return b
	}
	b.buf.Write(data)
	return b
}

// Err returns the first write failure, if any.
func (b *PacketBuilder) Err() error {
	return b.err
}

// Build returns the constructed payload bytes.
func (b *PacketBuilder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out, nil
}

// Len returns the current payload length.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the payload (for debugging).
func (b *PacketBuilder) String() string {
	return fmt.Sprintf("%s/%s %x", b.variant, b.direction, b.buf.Bytes())
}
