// Package codec converts message payloads to and from typed messages using the
// field layout declared in the message table and the primitive rules of the
// active client variant.
package codec

import (
	"fmt"

	"github.com/geode-project/geode/internal/messages"
	"github.com/geode-project/geode/internal/protocol"
)

// Codec decodes and encodes message payloads.
type Codec struct {
	registry *messages.Registry
}

// New creates a codec backed by registry.
func New(registry *messages.Registry) *Codec {
	return &Codec{registry: registry}
}

// Decode reads the fields declared for ident from payload. Bytes left after
// the last declared field are kept in the message trailer. Malformed or
// truncated input yields a *protocol.DecodeError.
func (c *Codec) Decode(variant protocol.ClientVariant, ident messages.Identity, payload []byte) (*messages.Message, error) {
	def, ok := c.registry.Definition(ident)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messages.ErrUnknownMessage, ident)
	}
	if err := checkVariant(variant); err != nil {
		return nil, fmt.Errorf("decode %s: %w", ident, err)
	}

	r := protocol.NewPacketReader(variant, ident.Direction, payload)
	msg := &messages.Message{Identity: ident, Fields: make([]any, len(def.Fields))}

	for i, t := range def.Fields {
		v, err := readField(r, t)
		if err != nil {
			return nil, err
		}
		msg.Fields[i] = v
	}

	// Unparsed tail is carried through re-encoding
	msg.Trailer = r.Remaining()
	return msg, nil
}

func checkVariant(variant protocol.ClientVariant) error {
	switch variant {
	case protocol.ClientFlash, protocol.ClientShockwave:
		return nil
	case protocol.ClientUnknown:
		return protocol.ErrNotConnected
	}
	return protocol.ErrUnsupportedVariant
}

func readField(r *protocol.PacketReader, t messages.FieldType) (any, error) {
	switch t {
	case messages.FieldByte:
		return r.ReadByte()
	case messages.FieldBool:
		return r.ReadBool()
	case messages.FieldShort:
		return r.ReadShort()
	case messages.FieldInt:
		return r.ReadInt()
	case messages.FieldString:
		return r.ReadString()
	}
	return nil, &protocol.DecodeError{Offset: r.Pos(), Kind: t.String(), Err: protocol.ErrMalformed}
}

// Encode writes msg in the layout of variant. The message must match its
// definition exactly; its trailer is appended verbatim.
func (c *Codec) Encode(variant protocol.ClientVariant, msg *messages.Message) ([]byte, error) {
	def, ok := c.registry.Definition(msg.Identity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", messages.ErrUnknownMessage, msg.Identity)
	}
	if err := checkVariant(variant); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Identity, err)
	}
	if err := msg.Validate(def); err != nil {
		return nil, err
	}

	// Validate guarantees the type assertions below
	b := protocol.NewPacketBuilder(variant, msg.Identity.Direction)
	for i, t := range def.Fields {
		switch t {
		case messages.FieldByte:
			b.WriteByte(msg.Fields[i].(uint8))
		case messages.FieldBool:
			b.WriteBool(msg.Fields[i].(bool))
		case messages.FieldShort:
			b.WriteShort(msg.Fields[i].(int16))
		case messages.FieldInt:
			b.WriteInt(msg.Fields[i].(int32))
		case messages.FieldString:
			b.WriteString(msg.Fields[i].(string))
		}
	}
	b.WriteBytes(msg.Trailer)

	payload, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Identity, err)
	}
	return payload, nil
}

// EncodeFrame resolves the wire id of msg for variant and encodes it into a
// frame. An identity without a wire id for the variant fails with
// messages.ErrUnsupportedForVariant before anything is encoded.
func (c *Codec) EncodeFrame(variant protocol.ClientVariant, msg *messages.Message) (protocol.Frame, error) {
	id, err := c.registry.WireIDFor(variant, msg.Identity)
	if err != nil {
		return protocol.Frame{}, err
	}
	payload, err := c.Encode(variant, msg)
	if err != nil {
		return protocol.Frame{}, err
	}
	return protocol.Frame{Direction: msg.Identity.Direction, WireID: id, Payload: payload}, nil
}
