package passwords

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	"github.com/go-playground/validator/v10"
)

// Entry describes where the password for one shortname comes from.
// Password holds the plaintext on the way into Save and the encrypted
// form once stored.
type Entry struct {
	Shortname string       `json:"shortname" validate:"required"`
	Types     Types        `json:"type" validate:"required"`
	Password  secret.Value `json:"password,omitzero"`
	Command   string       `json:"command,omitempty"`
	// ExpiresAt is when a cached secret stops being served. Zero means
	// never.
	ExpiresAt time.Time `json:"-"`
}

// expiredAt reports whether the entry has a non-zero expiry at or
// before now.
func (e *Entry) expiredAt(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Password = e.Password.Clone()

	return &c
}

// wireEntry is the request form of an Entry. expires_at is a unix
// timestamp and lifetime a duration in seconds; both zero mean never.
type wireEntry struct {
	Entry

	ExpiresAt int64 `json:"expires_at,omitempty"`
	Lifetime  int64 `json:"lifetime,omitempty"`
}

// EntryFromJSON decodes and validates a save request. now resolves a
// relative lifetime.
func EntryFromJSON(data []byte, now time.Time) (*Entry, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: password entry is empty", apperrors.ErrArgument)
	}

	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		if errors.Is(err, apperrors.ErrArgument) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: malformed password entry: %v", apperrors.ErrArgument, err)
	}

	e := w.Entry

	switch {
	case w.ExpiresAt > 0:
		e.ExpiresAt = time.Unix(w.ExpiresAt, 0)
	case w.Lifetime > 0:
		e.ExpiresAt = now.Add(time.Duration(w.Lifetime) * time.Second)
	}

	if err := validateEntry(&e); err != nil {
		e.Password.Wipe()
		return nil, err
	}

	return &e, nil
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterStructValidation(entryStructLevel, Entry{})

	return v
}

// entryStructLevel enforces the fields each source needs: memory and
// keyring store a given secret, command needs something to run.
func entryStructLevel(sl validator.StructLevel) {
	e := sl.Current().Interface().(Entry)

	if (e.Types.Has(TypeMemory) || e.Types.Has(TypeKeyring)) && !e.Password.IsSet() {
		sl.ReportError(e.Password, "password", "Password", "required_for_storage", "")
	}

	if e.Types.Has(TypeCommand) && strings.TrimSpace(e.Command) == "" {
		sl.ReportError(e.Command, "command", "Command", "required_for_command", "")
	}
}

func validateEntry(e *Entry) error {
	e.Shortname = strings.TrimSpace(e.Shortname)

	err := validate.Struct(e)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("%w: %v", apperrors.ErrArgument, err)
	}

	fe := verrs[0]

	switch fe.Tag() {
	case "required_for_storage":
		return fmt.Errorf("%w: password entry %q: memory and keyring types need a password", apperrors.ErrArgument, e.Shortname)
	case "required_for_command":
		return fmt.Errorf("%w: password entry %q: command type needs a command", apperrors.ErrArgument, e.Shortname)
	default:
		return fmt.Errorf("%w: password entry: %s is required", apperrors.ErrArgument, strings.ToLower(fe.Field()))
	}
}
