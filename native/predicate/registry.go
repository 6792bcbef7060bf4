package predicate

import (
	"errors"
	"sync"
)

var (
	// ErrInvalidVerifier indicates a predicate named a verifier identity that
	// is not on the whitelist.
	ErrInvalidVerifier = errors.New("predicate registry: verifier not whitelisted")
	errNilVerifier     = errors.New("predicate registry: nil verifier implementation")
)

// Registry is the whitelist of verifier implementations keyed by their
// 20-byte identity. A predicate naming an identity outside the registry is
// rejected before its interpreter is ever invoked.
type Registry struct {
	mu      sync.RWMutex
	entries map[[20]byte]Verifier
}

// NewRegistry returns an empty whitelist.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[[20]byte]Verifier)}
}

// Register whitelists a verifier implementation under the given identity,
// replacing any previous entry.
func (r *Registry) Register(addr [20]byte, v Verifier) error {
	if v == nil {
		return errNilVerifier
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[addr] = v
	return nil
}

// Remove delists a verifier identity.
func (r *Registry) Remove(addr [20]byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, addr)
}

// Allowed reports whether the identity is whitelisted.
func (r *Registry) Allowed(addr [20]byte) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[addr]
	return ok
}

// Resolve returns the implementation registered for the identity, or
// ErrInvalidVerifier when the identity is not whitelisted.
func (r *Registry) Resolve(addr [20]byte) (Verifier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[addr]
	if !ok {
		return nil, ErrInvalidVerifier
	}
	return v, nil
}
