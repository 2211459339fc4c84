// Package opgate holds the global operational switch. Every mutating ledger
// operation calls Guard before touching state.
package opgate

import (
	"sync"

	"surety/pkg/fault"
)

type Gate struct {
	mu          sync.RWMutex
	owner       string
	operational bool
}

// New returns an operational gate owned by the given identity.
func New(owner string) *Gate {
	return &Gate{owner: owner, operational: true}
}

func (g *Gate) IsOperational() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.operational
}

func (g *Gate) Owner() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.owner
}

// SetOperational flips the gate. Only the owner may call it; the gate itself
// is mutable even while paused, otherwise a pause could never be lifted.
func (g *Gate) SetOperational(on bool, caller string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if caller != g.owner {
		return fault.Authorization("caller %s is not the contract owner", caller)
	}
	g.operational = on
	return nil
}

// Guard fails with a state fault while the gate is off.
func (g *Gate) Guard() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if !g.operational {
		return fault.State("contract is not operational")
	}
	return nil
}
