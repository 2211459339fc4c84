// Package accessreg keeps the whitelist of callers permitted to invoke
// privileged storage mutation, separating the logic surface from the
// underlying store.
package accessreg

import (
	"sync"

	"surety/pkg/fault"
)

type Registry struct {
	mu      sync.RWMutex
	owner   string
	callers map[string]struct{}
}

func New(owner string) *Registry {
	return &Registry{owner: owner, callers: map[string]struct{}{}}
}

// Authorize adds an identity to the whitelist. Owner only. Idempotent.
func (r *Registry) Authorize(id, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return fault.Authorization("caller %s is not the contract owner", caller)
	}
	r.callers[id] = struct{}{}
	return nil
}

// Deauthorize removes an identity from the whitelist. Owner only.
func (r *Registry) Deauthorize(id, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != r.owner {
		return fault.Authorization("caller %s is not the contract owner", caller)
	}
	delete(r.callers, id)
	return nil
}

func (r *Registry) IsAuthorized(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.callers[id]
	return ok
}

// Guard checks id against the whitelist. An empty whitelist admits every
// caller so a fresh deployment can bootstrap itself; once the owner
// authorizes the first identity, only whitelisted callers (and the owner)
// may mutate storage.
func (r *Registry) Guard(id string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.callers) == 0 || id == r.owner {
		return nil
	}
	if _, ok := r.callers[id]; !ok {
		return fault.Authorization("caller %s is not an authorized caller", id)
	}
	return nil
}
