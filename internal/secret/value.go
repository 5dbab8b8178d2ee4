// Package secret holds secret material for the agent. A Value owns its
// backing bytes and overwrites them on Wipe; the Codec encrypts cached
// secrets with a key tied to the secret's name.
package secret

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
)

const redacted = "[redacted]"

// Value is a secret byte string. Copying a Value shares its backing
// array; use Clone for an independent copy that can be wiped separately.
type Value struct {
	b []byte
}

// New returns a Value holding a copy of s.
func New(s string) Value {
	if s == "" {
		return Value{}
	}

	return Value{b: []byte(s)}
}

// FromBytes returns a Value holding a copy of b.
func FromBytes(b []byte) Value {
	if len(b) == 0 {
		return Value{}
	}

	c := make([]byte, len(b))
	copy(c, b)

	return Value{b: c}
}

// IsSet reports whether the value holds any bytes.
func (v Value) IsSet() bool {
	return len(v.b) > 0
}

// Len returns the length of the secret in bytes.
func (v Value) Len() int {
	return len(v.b)
}

// Reveal returns the plaintext as a string. The returned string is not
// covered by Wipe.
func (v Value) Reveal() string {
	return string(v.b)
}

// Bytes returns a copy of the secret bytes.
func (v Value) Bytes() []byte {
	if len(v.b) == 0 {
		return nil
	}

	c := make([]byte, len(v.b))
	copy(c, v.b)

	return c
}

// Clone returns a deep copy.
func (v Value) Clone() Value {
	return FromBytes(v.b)
}

// Equal compares two values in constant time.
func (v Value) Equal(o Value) bool {
	return subtle.ConstantTimeCompare(v.b, o.b) == 1
}

// Wipe overwrites the backing bytes and empties the value.
func (v *Value) Wipe() {
	for i := range v.b {
		v.b[i] = 0
	}

	v.b = nil
}

func (v Value) String() string {
	if !v.IsSet() {
		return ""
	}

	return redacted
}

func (v Value) GoString() string {
	return "secret.Value{" + v.String() + "}"
}

// LogValue keeps secrets out of structured logs.
func (v Value) LogValue() slog.Value {
	return slog.StringValue(v.String())
}

// MarshalJSON encodes the plaintext. Only account configuration
// documents returned to the owner of the account are marshalled.
func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(v.b))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	v.Wipe()
	*v = New(s)

	return nil
}

// IsZero lets `omitzero` drop unset values from JSON documents.
func (v Value) IsZero() bool {
	return !v.IsSet()
}
