package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxMessageSize is the largest host link message accepted, header included.
const MaxMessageSize = 16 << 20

// ErrMessageTooLarge is returned for messages above MaxMessageSize.
var ErrMessageTooLarge = errors.New("host message too large")

// ReadMessage reads one host link message.
// Format: [4-byte BE length][2-byte BE message id][body...], where length
// counts the id and the body.
func ReadMessage(r io.Reader) (uint16, []byte, error) {
	// Length prefix
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return 0, nil, fmt.Errorf("failed to read message length: %w", err)
	}

	// Length covers the 2-byte message type
	if length < 2 {
		return 0, nil, fmt.Errorf("message length %d shorter than its header", length)
	}
	if length > MaxMessageSize {
		return 0, nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, length, MaxMessageSize)
	}

	// Read type and body
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return 0, nil, fmt.Errorf("failed to read message body (%d bytes): %w", length, err)
	}

	return binary.BigEndian.Uint16(data[:2]), data[2:], nil
}

// WriteMessage writes one host link message in a single write.
func WriteMessage(w io.Writer, id uint16, body []byte) error {
	if len(body)+2 > MaxMessageSize {
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, len(body)+2)
	}

	// Build header and body into one buffer
	buf := make([]byte, 6+len(body))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(body)+2))
	binary.BigEndian.PutUint16(buf[4:6], id)
	copy(buf[6:], body)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message %d: %w", id, err)
	}
	return nil
}
