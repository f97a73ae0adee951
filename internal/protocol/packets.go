// Package protocol implements the primitive wire encodings shared by the
// game clients Geode intercepts. Two client families exist: Flash clients use
// fixed-width big-endian integers and length-prefixed strings, Shockwave
// clients use the VL64/B64 printable encodings. Message shape is the same for
// both; only the primitives differ.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ClientVariant identifies the wire-encoding family of the connected client.
type ClientVariant int

const (
	// ClientUnknown means no client has been identified yet.
	ClientUnknown ClientVariant = iota
	ClientFlash
	ClientShockwave
)

var clientVariantNames = map[ClientVariant]string{
	ClientUnknown:   "unknown",
	ClientFlash:     "flash",
	ClientShockwave: "shockwave",
}

func (v ClientVariant) String() string {
	if name, ok := clientVariantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("variant(%d)", int(v))
}

// MarshalJSON serializes the variant as its name.
func (v ClientVariant) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.String())
}

// Variants lists the identifiable client variants in table order.
func Variants() []ClientVariant {
	return []ClientVariant{ClientFlash, ClientShockwave}
}

// ParseClientVariant maps a host-reported client type to a variant.
// The host reports types such as "FLASH", "UNITY" or "SHOCKWAVE".
func ParseClientVariant(s string) (ClientVariant, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "flash", "unity", "air":
		return ClientFlash, nil
	case "shockwave", "origins":
		return ClientShockwave, nil
	}
	return ClientUnknown, fmt.Errorf("unknown client type %q", s)
}

// Direction is the travel direction of a frame relative to the game client.
type Direction int

const (
	DirectionUnknown Direction = iota
	// Inbound frames travel from the game server to the client.
	Inbound
	// Outbound frames travel from the client to the game server.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	}
	return "unknown"
}

// MarshalJSON serializes the direction as "in" or "out".
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// ParseDirection accepts "in"/"incoming"/"toclient" and "out"/"outgoing"/"toserver".
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in", "incoming", "inbound", "toclient":
		return Inbound, nil
	case "out", "outgoing", "outbound", "toserver":
		return Outbound, nil
	}
	return DirectionUnknown, fmt.Errorf("unknown direction %q", s)
}

// WireID is a packet header as seen on the wire. It only has meaning within
// one client variant and direction.
type WireID uint16

// Frame is one intercepted packet: the header it carried, its payload, and
// the host-assigned sequence number used to answer the host.
type Frame struct {
	Seq       int32
	Direction Direction
	WireID    WireID
	Payload   []byte
}

func (f Frame) String() string {
	return fmt.Sprintf("#%d %s[%d] %d bytes", f.Seq, f.Direction, f.WireID, len(f.Payload))
}

// MaxStringLength is the largest string a Flash length prefix can carry.
const MaxStringLength = 0xFFFF

// Shockwave encoding limits.
const (
	// MaxB64Short is the largest value two B64 digits can carry.
	MaxB64Short = 4095
	// MaxVL64Len is the longest VL64 sequence.
	MaxVL64Len = 6
	// ShockwaveStringTerminator ends every inbound Shockwave string.
	ShockwaveStringTerminator byte = 0x02
)
