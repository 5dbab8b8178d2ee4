// Package passwords manages the encryption passwords that protect the
// agent's persisted account configuration. A password may come from an
// in-memory cache, the OS keyring, a command or an interactive prompt.
package passwords

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
)

// Store holds password entries keyed by shortname. Cached secrets are
// kept encrypted with a key derived from the shortname. Keyring,
// command and prompt IO happens without the store lock held.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry

	codec    *secret.Codec
	keyring  Keyring
	runner   CommandRunner
	prompter Prompter
	logger   *slog.Logger
	now      func() time.Time

	// changed is signalled when an expiry may have moved earlier.
	changed chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithKeyring sets the keyring backend.
func WithKeyring(k Keyring) Option {
	return func(s *Store) { s.keyring = k }
}

// WithCommandRunner sets the command backend.
func WithCommandRunner(r CommandRunner) Option {
	return func(s *Store) { s.runner = r }
}

// WithPrompter sets the prompt backend.
func WithPrompter(p Prompter) Option {
	return func(s *Store) { s.prompter = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an empty store. Backends default to the OS keyring,
// sh -c and $SSH_ASKPASS.
func NewStore(codec *secret.Codec, logger *slog.Logger, opts ...Option) *Store {
	s := &Store{
		entries: make(map[string]*Entry),
		codec:   codec,
		logger:  logger,
		now:     time.Now,
		changed: make(chan struct{}, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.keyring == nil {
		s.keyring = NewOSKeyring()
	}

	if s.runner == nil {
		s.runner = ShellRunner{}
	}

	if s.prompter == nil {
		s.prompter = NewAskpassPrompter("")
	}

	return s
}

// Changed is signalled after a save that may have introduced an
// earlier expiry.
func (s *Store) Changed() <-chan struct{} {
	return s.changed
}

// Save validates e and replaces any entry with the same shortname. The
// plaintext password in e is wiped; the store keeps only its encrypted
// form. When a replaced entry used the keyring and e does not, the old
// keyring item is deleted.
func (s *Store) Save(e *Entry) error {
	defer e.Password.Wipe()

	if err := validateEntry(e); err != nil {
		return err
	}

	stored := &Entry{
		Shortname: e.Shortname,
		Types:     e.Types,
		Command:   e.Command,
		ExpiresAt: e.ExpiresAt,
	}

	var crypt secret.Value

	if e.Password.IsSet() {
		var err error

		crypt, err = s.codec.Encrypt(e.Password, e.Shortname)
		if err != nil {
			return fmt.Errorf("encrypting password for %q: %w", e.Shortname, err)
		}
		defer crypt.Wipe()
	}

	if e.Types.Has(TypeKeyring) {
		if err := s.keyring.Set(e.Shortname, crypt); err != nil {
			return fmt.Errorf("saving password for %q: %w", e.Shortname, err)
		}
	}

	if e.Types.Has(TypeMemory) {
		stored.Password = crypt.Clone()
	}

	s.mu.Lock()
	old := s.entries[stored.Shortname]
	s.entries[stored.Shortname] = stored
	count := len(s.entries)
	s.mu.Unlock()

	if old != nil {
		old.Password.Wipe()

		if old.Types.Has(TypeKeyring) && !stored.Types.Has(TypeKeyring) {
			s.deleteKeyring(stored.Shortname)
		}
	}

	if !stored.ExpiresAt.IsZero() {
		s.notify()
	}

	s.logger.Debug("saved password entry",
		slog.String("shortname", stored.Shortname),
		slog.String("types", stored.Types.String()),
		slog.Int("entries", count),
	)

	return nil
}

// Get returns the password for shortname, trying memory, keyring,
// command and prompt in that order. The caller owns the returned value
// and should wipe it. An entry whose expiry has passed is expired in
// place first, so a stale cached secret is never served.
func (s *Store) Get(ctx context.Context, shortname string) (secret.Value, error) {
	s.mu.Lock()

	e, ok := s.entries[shortname]
	if !ok {
		s.mu.Unlock()
		return secret.Value{}, fmt.Errorf("%w: no password entry for %q", apperrors.ErrNotFound, shortname)
	}

	expired := e.expiredAt(s.now())
	if expired {
		e.Password.Wipe()
		e.ExpiresAt = time.Time{}
	}

	view := e.clone()
	s.mu.Unlock()

	defer view.Password.Wipe()

	if expired {
		s.logger.Info("password entry expired", slog.String("shortname", shortname))

		if view.Types.Has(TypeKeyring) {
			s.deleteKeyring(shortname)
		}
	}

	// The first backend failure is reported when no backend yields a
	// secret.
	var firstErr error

	record := func(err error) {
		if err != nil && firstErr == nil && !errors.Is(err, apperrors.ErrNotFound) {
			firstErr = err
		}
	}

	if view.Types.Has(TypeMemory) && view.Password.IsSet() {
		s.logger.Debug("trying password from memory", slog.String("shortname", shortname))

		v, err := s.codec.Decrypt(view.Password, shortname)
		if err == nil {
			return v, nil
		}

		record(fmt.Errorf("decrypting cached password for %q: %w", shortname, err))
	}

	if view.Types.Has(TypeKeyring) && !expired {
		s.logger.Debug("trying password from keyring", slog.String("shortname", shortname))

		v, err := s.fromKeyring(shortname)
		if err == nil {
			return v, nil
		}

		record(err)
	}

	if view.Types.Has(TypeCommand) && view.Command != "" {
		s.logger.Debug("trying password from command", slog.String("shortname", shortname))

		v, err := s.runner.Run(ctx, view.Command)
		if err == nil && v.IsSet() {
			return v, nil
		}

		record(err)
	}

	if view.Types.Has(TypePrompt) {
		s.logger.Debug("trying password from prompt", slog.String("shortname", shortname))

		v, err := s.prompter.Prompt(ctx, shortname)
		if err == nil && v.IsSet() {
			if view.Types.Has(TypeMemory) {
				s.cachePrompted(e, v)
			}

			return v, nil
		}

		record(err)
	}

	if firstErr != nil {
		return secret.Value{}, firstErr
	}

	return secret.Value{}, fmt.Errorf("%w: no password available for %q", apperrors.ErrNotFound, shortname)
}

func (s *Store) fromKeyring(shortname string) (secret.Value, error) {
	crypt, err := s.keyring.Get(shortname)
	if err != nil {
		return secret.Value{}, err
	}
	defer crypt.Wipe()

	v, err := s.codec.Decrypt(crypt, shortname)
	if err != nil {
		return secret.Value{}, fmt.Errorf("decrypting keyring password for %q: %w", shortname, err)
	}

	return v, nil
}

// cachePrompted stores a prompted secret in memory, provided the entry
// it was prompted for has not been replaced or removed meanwhile.
func (s *Store) cachePrompted(e *Entry, v secret.Value) {
	crypt, err := s.codec.Encrypt(v, e.Shortname)
	if err != nil {
		s.logger.Warn("could not cache prompted password",
			slog.String("shortname", e.Shortname),
			slog.String("error", err.Error()),
		)

		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries[e.Shortname] != e {
		crypt.Wipe()
		return
	}

	e.Password.Wipe()
	e.Password = crypt
}

// Remove deletes the entry for shortname when permanently is set.
// Otherwise it expires the entry in place: the cached secret is dropped
// but the descriptor stays so command and prompt sources can supply it
// again. Removing an unknown shortname is not an error.
func (s *Store) Remove(shortname string, permanently bool) {
	if !s.remove(shortname, permanently, nil) {
		s.logger.Debug("no password entry to remove", slog.String("shortname", shortname))
	}
}

// expireIfExpired expires the entry in place only if it is still expired
// at now. An entry saved after the expiry was observed is left alone.
func (s *Store) expireIfExpired(shortname string, now time.Time) bool {
	return s.remove(shortname, false, func(e *Entry) bool { return e.expiredAt(now) })
}

// remove drops the entry's secret, and the entry itself when permanently
// is set. When match is non-nil it is checked under the same lock and
// the entry is left untouched unless it matches.
func (s *Store) remove(shortname string, permanently bool, match func(*Entry) bool) bool {
	s.mu.Lock()

	e, ok := s.entries[shortname]
	if !ok || (match != nil && !match(e)) {
		s.mu.Unlock()
		return false
	}

	types := e.Types
	e.Password.Wipe()
	e.ExpiresAt = time.Time{}

	if permanently {
		delete(s.entries, shortname)
	}

	count := len(s.entries)
	s.mu.Unlock()

	if types.Has(TypeKeyring) {
		s.deleteKeyring(shortname)
	}

	action := "expired"
	if permanently {
		action = "removed"
	}

	s.logger.Debug(action+" password entry", slog.String("shortname", shortname), slog.Int("entries", count))

	return true
}

// RemoveAll deletes every entry and its keyring item.
func (s *Store) RemoveAll() {
	s.mu.Lock()
	old := s.entries
	s.entries = make(map[string]*Entry)
	s.mu.Unlock()

	for name, e := range old {
		if e.Types.Has(TypeKeyring) {
			s.deleteKeyring(name)
		}

		e.Password.Wipe()
	}

	s.logger.Debug("removed all password entries", slog.Int("removed", len(old)))
}

// Len returns the number of entries.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Shortnames returns the stored shortnames in no particular order.
func (s *Store) Shortnames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}

	return names
}

// EarliestExpiry returns the soonest non-zero expiry, or the zero time
// when nothing expires.
func (s *Store) EarliestExpiry() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	var earliest time.Time

	for _, e := range s.entries {
		if e.ExpiresAt.IsZero() {
			continue
		}

		if earliest.IsZero() || e.ExpiresAt.Before(earliest) {
			earliest = e.ExpiresAt
		}
	}

	return earliest
}

// NextExpired returns the shortname of one entry whose expiry has
// passed.
func (s *Store) NextExpired() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for name, e := range s.entries {
		if e.expiredAt(now) {
			return name, true
		}
	}

	return "", false
}

// SweepExpired expires every entry whose expiry has passed and returns
// how many were expired.
func (s *Store) SweepExpired() int {
	n := 0

	for {
		name, ok := s.NextExpired()
		if !ok {
			return n
		}

		if s.expireIfExpired(name, s.now()) {
			n++
		}
	}
}

func (s *Store) deleteKeyring(shortname string) {
	if err := s.keyring.Delete(shortname); err != nil {
		s.logger.Warn("could not delete keyring entry",
			slog.String("shortname", shortname),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}
