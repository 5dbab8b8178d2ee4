// Package state persists encrypted account configurations in a bbolt
// database so the agent can load them again in a later session.
package state

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
	"github.com/alexjbarnes/oidc-agent/internal/secret"
	bolt "go.etcd.io/bbolt"
)

const (
	// stateDirPerm is the permission mode for the state directory (~/.oidc-agent/).
	stateDirPerm = fs.FileMode(0o700)

	// stateFilePerm is the permission mode for the state database file.
	stateFilePerm = fs.FileMode(0o600)

	// stateOpenTimeout is the maximum time to wait for the bolt database lock.
	stateOpenTimeout = 5 * time.Second
)

var accountsBucket = []byte("accounts")

// record is the on-disk form of one account. Data is the account JSON
// sealed with a key derived from the account's encryption password.
type record struct {
	Salt    []byte `json:"salt"`
	Data    []byte `json:"data"`
	SavedAt int64  `json:"saved_at"`
}

// State wraps a bbolt database of encrypted account configurations.
type State struct {
	db *bolt.DB
}

// LoadAt opens a state database at the given path, creating it if it
// does not exist.
func LoadAt(path string) (*State, error) {
	if err := os.MkdirAll(filepath.Dir(path), stateDirPerm); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	db, err := bolt.Open(path, stateFilePerm, &bolt.Options{Timeout: stateOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening state db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(accountsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing state db: %w", err)
	}

	return &State{db: db}, nil
}

// Close closes the database.
func (s *State) Close() error {
	return s.db.Close()
}

// SaveAccount encrypts config with password and stores it under name,
// replacing any earlier record.
func (s *State) SaveAccount(name string, config []byte, password secret.Value) error {
	if name == "" {
		return fmt.Errorf("%w: account name is required", apperrors.ErrArgument)
	}

	if !password.IsSet() {
		return fmt.Errorf("%w: encryption password for %q is empty", apperrors.ErrArgument, name)
	}

	salt, data, err := seal(password, name, config)
	if err != nil {
		return fmt.Errorf("encrypting account %q: %w", name, err)
	}

	rec, err := json.Marshal(record{Salt: salt, Data: data, SavedAt: time.Now().Unix()})
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).Put([]byte(name), rec)
	})
}

// Account decrypts the stored config for name. It returns ErrNotFound
// when nothing is stored and ErrCrypto when password is wrong.
func (s *State) Account(name string, password secret.Value) ([]byte, error) {
	var rec *record

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(accountsBucket).Get([]byte(name))
		if v == nil {
			return nil
		}

		rec = &record{}

		return json.Unmarshal(v, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("reading account %q: %w", name, err)
	}

	if rec == nil {
		return nil, fmt.Errorf("%w: no persisted config for %q", apperrors.ErrNotFound, name)
	}

	return open(password, name, rec.Salt, rec.Data)
}

// HasAccount reports whether a config is stored for name.
func (s *State) HasAccount(name string) bool {
	found := false

	_ = s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(accountsBucket).Get([]byte(name)) != nil
		return nil
	})

	return found
}

// DeleteAccount removes the stored config for name.
func (s *State) DeleteAccount(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).Delete([]byte(name))
	})
}

// AccountNames returns the names of all stored configs in key order.
func (s *State) AccountNames() ([]string, error) {
	var names []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(accountsBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})

	return names, err
}

