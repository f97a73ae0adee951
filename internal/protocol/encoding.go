package protocol

import "fmt"

// EncodeVL64 encodes v with the Shockwave variable-length integer scheme.
// The first byte carries the length, the sign and the two lowest bits; every
// following byte carries six more bits. All bytes have bit 6 set.
func EncodeVL64(v int32) []byte {
	abs := int64(v)
	neg := abs < 0
	if neg {
		abs = -abs
	}

	buf := make([]byte, 0, MaxVL64Len)
	// Lowest two bits go into the lead byte
	buf = append(buf, byte(64|(abs&3)))
	abs >>= 2
	for abs != 0 {
		buf = append(buf, byte(64|(abs&63)))
		abs >>= 6
	}

	// Length and sign
	buf[0] |= byte(len(buf) << 3)
	if neg {
		buf[0] |= 4
	}
	return buf
}

// DecodeVL64 decodes a VL64 integer at the start of data and returns the
// value and the number of bytes consumed.
func DecodeVL64(data []byte) (int32, int, error) {
	if len(data) == 0 {
		return 0, 0, ErrShortBuffer
	}

	first := data[0]
	if first&64 == 0 {
		return 0, 0, fmt.Errorf("%w: vl64 lead byte 0x%02x", ErrMalformed, first)
	}
	// Byte count
	n := int((first >> 3) & 7)
	if n < 1 || n > MaxVL64Len {
		return 0, 0, fmt.Errorf("%w: vl64 length %d", ErrMalformed, n)
	}
	if len(data) < n {
		return 0, 0, ErrShortBuffer
	}

	value := int64(first & 3)
	shift := uint(2)
	for i := 1; i < n; i++ {
		value |= int64(data[i]&63) << shift
		shift += 6
	}
	// Sign
	if first&4 != 0 {
		value = -value
	}
	// Six bytes hold more than 32 bits
	if value > int64(^uint32(0)>>1) || value < -int64(^uint32(0)>>1)-1 {
		return 0, 0, fmt.Errorf("%w: vl64 overflows int32", ErrMalformed)
	}
	return int32(value), n, nil
}

// EncodeB64 encodes v as width printable base-64 digits, most significant first.
func EncodeB64(v int, width int) ([]byte, error) {
	if v < 0 || v >= 1<<(6*uint(width)) {
		return nil, fmt.Errorf("%w: %d does not fit %d b64 digits", ErrOutOfRange, v, width)
	}
	buf := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(64 | (v & 63))
		v >>= 6
	}
	return buf, nil
}

// DecodeB64 decodes printable base-64 digits.
func DecodeB64(data []byte) (int, error) {
	v := 0
	for _, b := range data {
		if b < 64 || b > 127 {
			return 0, fmt.Errorf("%w: b64 digit 0x%02x", ErrMalformed, b)
		}
		v = v<<6 | int(b&63)
	}
	return v, nil
}
