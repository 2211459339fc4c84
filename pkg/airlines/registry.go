// Package airlines implements the airline onboarding state machine: a small
// founding network admits candidates unilaterally, then registration switches
// to distinct-voter majority once the network reaches the voting threshold.
package airlines

import (
	"sync"

	"surety/pkg/fault"
	"surety/pkg/money"
)

const (
	// FundingThreshold is the minimum stake an airline must post before it
	// may register flights or vote.
	FundingThreshold money.Amount = 10 * money.Unit
	// VotingThreshold is the funded-airline count at which admission
	// switches from unilateral to majority voting.
	VotingThreshold = 4
)

type Airline struct {
	ID           string
	Name         string
	Registered   bool
	Funded       bool
	FundedAmount money.Amount
	voters       map[string]struct{}
}

type Registry struct {
	mu              sync.RWMutex
	airlines        map[string]*Airline
	registeredCount int
	fundedCount     int
}

// New seeds the registry with the genesis airline, registered but unfunded.
func New(genesisID, name string) *Registry {
	r := &Registry{airlines: map[string]*Airline{}}
	r.airlines[genesisID] = &Airline{
		ID:         genesisID,
		Name:       name,
		Registered: true,
		voters:     map[string]struct{}{},
	}
	r.registeredCount = 1
	return r
}

// Register admits or votes for a candidate airline. The caller must be a
// funded airline. Below VotingThreshold funded airlines the candidate is
// admitted immediately; afterwards the call records the caller's vote
// (idempotent per caller) and admits once distinct votes reach half of the
// funded airline count. Returns whether the candidate is now registered and
// the current distinct vote count.
func (r *Registry) Register(candidate, name, caller string) (bool, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	voter, ok := r.airlines[caller]
	if !ok || !voter.Funded {
		return false, 0, fault.Authorization("caller %s is not a funded airline", caller)
	}

	a, ok := r.airlines[candidate]
	if !ok {
		a = &Airline{ID: candidate, Name: name, voters: map[string]struct{}{}}
		r.airlines[candidate] = a
	}
	if a.Registered {
		return true, len(a.voters), nil
	}

	if r.fundedCount < VotingThreshold {
		a.Registered = true
		r.registeredCount++
		return true, len(a.voters), nil
	}

	a.voters[caller] = struct{}{}
	if len(a.voters)*2 >= r.fundedCount {
		a.Registered = true
		r.registeredCount++
	}
	return a.Registered, len(a.voters), nil
}

// Fund posts stake for the calling airline. Amounts below FundingThreshold
// are rejected outright; accepted amounts accumulate.
func (r *Registry) Fund(airline string, amount money.Amount) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.airlines[airline]
	if !ok || !a.Registered {
		return false, fault.State("airline %s is not registered", airline)
	}
	if amount < FundingThreshold {
		return false, fault.Value("funding amount %s below threshold %s",
			money.Format(amount), money.Format(FundingThreshold))
	}
	a.FundedAmount += amount
	if !a.Funded {
		a.Funded = true
		r.fundedCount++
	}
	return true, nil
}

func (r *Registry) IsRegistered(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	return ok && a.Registered
}

func (r *Registry) IsFunded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	return ok && a.Funded
}

// Votes returns the distinct voter count recorded for a candidate.
func (r *Registry) Votes(candidate string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[candidate]
	if !ok {
		return 0
	}
	return len(a.voters)
}

// Get returns a copy of the airline record.
func (r *Registry) Get(id string) (Airline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.airlines[id]
	if !ok {
		return Airline{}, false
	}
	out := *a
	out.voters = nil
	return out, true
}

func (r *Registry) RegisteredCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.registeredCount
}

func (r *Registry) FundedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fundedCount
}
