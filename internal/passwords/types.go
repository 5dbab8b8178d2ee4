package passwords

import (
	"encoding/json"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"gopkg.in/yaml.v3"
)

// Type is one secret source.
type Type uint8

// Secret sources, in the order Get consults them.
const (
	TypeMemory Type = 1 << iota
	TypeKeyring
	TypeCommand
	TypePrompt
)

var typeNames = []struct {
	t    Type
	name string
}{
	{TypeMemory, "memory"},
	{TypeKeyring, "keyring"},
	{TypeCommand, "command"},
	{TypePrompt, "prompt"},
}

// Types is the set of sources enabled for an entry. An entry may
// enable several at once.
type Types uint8

// NewTypes builds a set from individual sources.
func NewTypes(ts ...Type) Types {
	var s Types
	for _, t := range ts {
		s |= Types(t)
	}

	return s
}

// ParseTypes parses source names such as "memory" or "keyring".
func ParseTypes(names ...string) (Types, error) {
	var s Types

	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))

		found := false
		for _, tn := range typeNames {
			if tn.name == n {
				s |= Types(tn.t)
				found = true

				break
			}
		}

		if !found {
			return 0, fmt.Errorf("%w: unknown password type %q", apperrors.ErrArgument, n)
		}
	}

	return s, nil
}

// Has reports whether t is enabled.
func (s Types) Has(t Type) bool {
	return s&Types(t) != 0
}

// Names lists the enabled sources in priority order.
func (s Types) Names() []string {
	var names []string

	for _, tn := range typeNames {
		if s.Has(tn.t) {
			names = append(names, tn.name)
		}
	}

	return names
}

func (s Types) String() string {
	return strings.Join(s.Names(), ",")
}

// MarshalJSON encodes the set as a list of names.
func (s Types) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}

	return json.Marshal(names)
}

// UnmarshalJSON accepts a list of names or the raw bit value.
func (s *Types) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		t, err := ParseTypes(names...)
		if err != nil {
			return err
		}

		*s = t

		return nil
	}

	var bits uint8
	if err := json.Unmarshal(data, &bits); err != nil {
		return fmt.Errorf("%w: type must be a list of names or a number", apperrors.ErrArgument)
	}

	if bits&^uint8(TypeMemory|TypeKeyring|TypeCommand|TypePrompt) != 0 {
		return fmt.Errorf("%w: unknown password type bits %d", apperrors.ErrArgument, bits)
	}

	*s = Types(bits)

	return nil
}

// UnmarshalYAML accepts a sequence of names or a single name.
func (s *Types) UnmarshalYAML(node *yaml.Node) error {
	var names []string

	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&names); err != nil {
			return err
		}
	case yaml.ScalarNode:
		names = []string{node.Value}
	default:
		return fmt.Errorf("%w: types must be a list of names", apperrors.ErrArgument)
	}

	t, err := ParseTypes(names...)
	if err != nil {
		return err
	}

	*s = t

	return nil
}

// MarshalYAML encodes the set as a list of names.
func (s Types) MarshalYAML() (any, error) {
	return s.Names(), nil
}
