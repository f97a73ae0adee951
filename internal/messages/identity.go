// Package messages holds the variant-independent message model: identities,
// field layouts, decoded message values and the registry that maps them to
// per-variant wire ids.
package messages

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/geode-project/geode/internal/protocol"
)

// Identity names a message independently of any client variant. Names are
// unique per direction.
type Identity struct {
	Name      string
	Direction protocol.Direction
}

// In returns the inbound identity called name.
func In(name string) Identity {
	return Identity{Name: name, Direction: protocol.Inbound}
}

// Out returns the outbound identity called name.
func Out(name string) Identity {
	return Identity{Name: name, Direction: protocol.Outbound}
}

func (id Identity) String() string {
	switch id.Direction {
	case protocol.Inbound:
		return "In." + id.Name
	case protocol.Outbound:
		return "Out." + id.Name
	}
	return "?." + id.Name
}

// IsZero reports whether id is the zero identity.
func (id Identity) IsZero() bool {
	return id.Name == "" && id.Direction == protocol.DirectionUnknown
}

// MarshalJSON serializes the identity as "In.Name" / "Out.Name".
func (id Identity) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

// ParseIdentity parses "In.Chat", "out.Shout" or "in:Chat".
func ParseIdentity(s string) (Identity, error) {
	sep := strings.IndexAny(s, ".:")
	if sep <= 0 || sep == len(s)-1 {
		return Identity{}, fmt.Errorf("invalid message identity %q", s)
	}
	dir, err := protocol.ParseDirection(s[:sep])
	if err != nil {
		return Identity{}, fmt.Errorf("invalid message identity %q: %w", s, err)
	}
	return Identity{Name: s[sep+1:], Direction: dir}, nil
}
