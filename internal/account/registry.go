package account

import (
	"fmt"
	"slices"
	"sync"

	apperrors "github.com/alexjbarnes/oidc-agent/internal/errors"
)

// Registry holds the loaded accounts keyed by short name, in insertion
// order. It stores and returns copies, so no caller ever holds a live
// reference into the registry. All methods are safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	order    []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		accounts: make(map[string]*Account),
	}
}

// Find returns a copy of the account with the given short name.
func (r *Registry) Find(name string) (*Account, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[name]
	if !ok {
		return nil, false
	}

	return a.Clone(), true
}

// Contains reports whether an account with the given name is loaded.
func (r *Registry) Contains(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.accounts[name]

	return ok
}

// FindByState returns a copy of the account tagged with state. An empty
// state never matches.
func (r *Registry) FindByState(state string) (*Account, bool) {
	if state == "" {
		return nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	a := r.byStateLocked(state)
	if a == nil {
		return nil, false
	}

	return a.Clone(), true
}

// TakeByState finds the account tagged with state, clears the tag and
// returns a copy. A state can be taken once.
func (r *Registry) TakeByState(state string) (*Account, bool) {
	if state == "" {
		return nil, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a := r.byStateLocked(state)
	if a == nil {
		return nil, false
	}

	a.UsedState = ""

	return a.Clone(), true
}

// Add stores a copy of a. It fails with ErrDuplicate, leaving the
// registry untouched, if the name is already loaded.
func (r *Registry) Add(a *Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[a.Name]; ok {
		return fmt.Errorf("account %q: %w", a.Name, apperrors.ErrDuplicate)
	}

	r.addLocked(a)

	return nil
}

// Remove drops the account with the given name. Removing an absent
// name is a no-op.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(name)
}

// Replace removes any account with a's name and appends a copy of a.
func (r *Registry) Replace(a *Account) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(a.Name)
	r.addLocked(a)
}

// Update overwrites a loaded account in place, keeping its position.
// It reports false, storing nothing, when the account is no longer
// loaded.
func (r *Registry) Update(a *Account) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, ok := r.accounts[a.Name]
	if !ok {
		return false
	}

	stored := a.Clone()
	if stored.UsedState != "" {
		if other := r.byStateLocked(stored.UsedState); other != nil && other != old {
			other.UsedState = ""
		}
	}

	old.Wipe()
	r.accounts[a.Name] = stored

	return true
}

// Names returns the short names of all loaded accounts in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.order)
}

// Len returns the number of loaded accounts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.order)
}

// Clear wipes and removes every account.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.accounts {
		a.Wipe()
	}

	r.accounts = make(map[string]*Account)
	r.order = nil
}

func (r *Registry) addLocked(a *Account) {
	stored := a.Clone()

	// A used state identifies at most one account.
	if stored.UsedState != "" {
		if other := r.byStateLocked(stored.UsedState); other != nil {
			other.UsedState = ""
		}
	}

	r.accounts[stored.Name] = stored
	r.order = append(r.order, stored.Name)
}

func (r *Registry) removeLocked(name string) {
	a, ok := r.accounts[name]
	if !ok {
		return
	}

	a.Wipe()
	delete(r.accounts, name)

	if i := slices.Index(r.order, name); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
}

func (r *Registry) byStateLocked(state string) *Account {
	for _, name := range r.order {
		if a := r.accounts[name]; a.UsedState == state {
			return a
		}
	}

	return nil
}
