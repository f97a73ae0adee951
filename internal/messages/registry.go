package messages

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/geode-project/geode/internal/protocol"
)

var (
	// ErrUnknownWireID means a wire id is absent from the table for the
	// variant and direction.
	ErrUnknownWireID = errors.New("unknown wire id")
	// ErrUnknownMessage means the identity is absent from the table entirely.
	ErrUnknownMessage = errors.New("unknown message")
	// ErrUnsupportedForVariant means the identity exists but has no wire id
	// for the requested variant.
	ErrUnsupportedForVariant = errors.New("message not supported for client variant")
	// ErrFieldMismatch means field values do not match the declared layout.
	ErrFieldMismatch = errors.New("field layout mismatch")
)

// Definition is one entry of the message table.
type Definition struct {
	Identity Identity
	Fields   []FieldType
	WireIDs  map[protocol.ClientVariant]protocol.WireID
	// Response names the inbound message that answers this outbound one,
	// if any.
	Response string
}

// ResponseIdentity returns the declared response identity.
func (d *Definition) ResponseIdentity() (Identity, bool) {
	if d.Response == "" {
		return Identity{}, false
	}
	return In(d.Response), true
}

// Build creates a message from loosely typed values, coercing each to the
// declared field type.
func (d *Definition) Build(values ...any) (*Message, error) {
	if len(values) != len(d.Fields) {
		return nil, fmt.Errorf("%w: %s takes %d fields, got %d", ErrFieldMismatch, d.Identity, len(d.Fields), len(values))
	}
	fields := make([]any, len(values))
	for i, t := range d.Fields {
		v, err := t.Coerce(values[i])
		if err != nil {
			return nil, fmt.Errorf("%s field %d: %w", d.Identity, i, err)
		}
		fields[i] = v
	}
	return &Message{Identity: d.Identity, Fields: fields}, nil
}

type wireKey struct {
	variant   protocol.ClientVariant
	direction protocol.Direction
	id        protocol.WireID
}

// Registry maps message identities to per-variant wire ids and back. It is
// built once and read-only afterwards, so it is safe for concurrent use.
type Registry struct {
	defs   map[Identity]*Definition
	byWire map[wireKey]Identity
}

// NewRegistry builds a registry from definitions. A wire id may belong to at
// most one identity per variant and direction.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{
		defs:   make(map[Identity]*Definition, len(defs)),
		byWire: make(map[wireKey]Identity),
	}
	for i := range defs {
		def := defs[i]
		if def.Identity.Name == "" {
			return nil, fmt.Errorf("definition %d has no name", i)
		}
		if def.Identity.Direction != protocol.Inbound && def.Identity.Direction != protocol.Outbound {
			return nil, fmt.Errorf("definition %s has no direction", def.Identity.Name)
		}
		if _, dup := r.defs[def.Identity]; dup {
			return nil, fmt.Errorf("duplicate definition %s", def.Identity)
		}
		// Wire ids are unique per variant and direction
		for variant, id := range def.WireIDs {
			key := wireKey{variant: variant, direction: def.Identity.Direction, id: id}
			if other, taken := r.byWire[key]; taken {
				return nil, fmt.Errorf("%s wire id %d used by both %s and %s", variant, id, other, def.Identity)
			}
			r.byWire[key] = def.Identity
		}
		r.defs[def.Identity] = &def
	}
	return r, nil
}

// Resolve returns the identity carried by a wire id.
func (r *Registry) Resolve(variant protocol.ClientVariant, direction protocol.Direction, id protocol.WireID) (Identity, error) {
	if variant == protocol.ClientUnknown {
		return Identity{}, fmt.Errorf("resolve %s[%d]: %w", direction, id, protocol.ErrNotConnected)
	}
	ident, ok := r.byWire[wireKey{variant: variant, direction: direction, id: id}]
	if !ok {
		return Identity{}, fmt.Errorf("%w: %s %s[%d]", ErrUnknownWireID, variant, direction, id)
	}
	return ident, nil
}

// WireIDFor returns the wire id of an identity for a variant.
func (r *Registry) WireIDFor(variant protocol.ClientVariant, ident Identity) (protocol.WireID, error) {
	if variant == protocol.ClientUnknown {
		return 0, fmt.Errorf("wire id for %s: %w", ident, protocol.ErrNotConnected)
	}
	def, ok := r.defs[ident]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownMessage, ident)
	}
	id, ok := def.WireIDs[variant]
	if !ok {
		return 0, fmt.Errorf("%w: %s on %s", ErrUnsupportedForVariant, ident, variant)
	}
	return id, nil
}

// Definition returns the table entry for an identity.
func (r *Registry) Definition(ident Identity) (*Definition, bool) {
	def, ok := r.defs[ident]
	return def, ok
}

// Build creates a message for ident from loosely typed values.
func (r *Registry) Build(ident Identity, values ...any) (*Message, error) {
	def, ok := r.defs[ident]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, ident)
	}
	return def.Build(values...)
}

// Definitions returns every definition ordered by direction then name.
func (r *Registry) Definitions() []*Definition {
	out := make([]*Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Identity.Direction != out[j].Identity.Direction {
			return out[i].Identity.Direction < out[j].Identity.Direction
		}
		return out[i].Identity.Name < out[j].Identity.Name
	})
	return out
}

// Len returns the number of definitions.
func (r *Registry) Len() int {
	return len(r.defs)
}

// tableEntry is one message in the YAML table.
type tableEntry struct {
	Flash     *int     `yaml:"flash"`
	Shockwave *int     `yaml:"shockwave"`
	Fields    []string `yaml:"fields"`
	Response  string   `yaml:"response"`
}

type table struct {
	In  map[string]tableEntry `yaml:"in"`
	Out map[string]tableEntry `yaml:"out"`
}

// Load reads a message table:
//
//	in:
//	  Chat: {flash: 1446, shockwave: 24, fields: [int, string, int, int, int, int]}
//	out:
//	  GetUserData: {flash: 357, shockwave: 7, response: UserData}
func Load(r io.Reader) (*Registry, error) {
	var t table
	dec := yaml.NewDecoder(r)
	// Typos in the table should fail loudly
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, fmt.Errorf("failed to parse message table: %w", err)
	}

	var defs []Definition
	for _, section := range []struct {
		dir     protocol.Direction
		entries map[string]tableEntry
	}{
		{protocol.Inbound, t.In},
		{protocol.Outbound, t.Out},
	} {
		for name, entry := range section.entries {
			def, err := entry.definition(Identity{Name: name, Direction: section.dir})
			if err != nil {
				return nil, err
			}
			defs = append(defs, def)
		}
	}

	reg, err := NewRegistry(defs...)
	if err != nil {
		return nil, err
	}

	// Responses are always inbound
	for _, def := range reg.defs {
		if def.Response == "" {
			continue
		}
		if _, ok := reg.defs[In(def.Response)]; !ok {
			return nil, fmt.Errorf("%s declares unknown response %s", def.Identity, def.Response)
		}
	}
	return reg, nil
}

func (e tableEntry) definition(ident Identity) (Definition, error) {
	def := Definition{
		Identity: ident,
		WireIDs:  make(map[protocol.ClientVariant]protocol.WireID),
		Response: strings.TrimSpace(e.Response),
	}
	for variant, id := range map[protocol.ClientVariant]*int{
		protocol.ClientFlash:     e.Flash,
		protocol.ClientShockwave: e.Shockwave,
	} {
		if id == nil {
			continue
		}
		if *id < 0 || *id > 0xFFFF {
			return Definition{}, fmt.Errorf("%s: %s wire id %d out of range", ident, variant, *id)
		}
		def.WireIDs[variant] = protocol.WireID(*id)
	}
	for _, name := range e.Fields {
		t, err := ParseFieldType(name)
		if err != nil {
			return Definition{}, fmt.Errorf("%s: %w", ident, err)
		}
		def.Fields = append(def.Fields, t)
	}
	return def, nil
}

// LoadFile reads a message table from disk.
func LoadFile(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open message table: %w", err)
	}
	defer f.Close()
	return Load(f)
}
