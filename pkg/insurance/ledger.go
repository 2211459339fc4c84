// Package insurance keeps policy escrow and the payout balance ledger.
// Crediting happens exactly once per policy, driven by consensus
// finalization; withdrawal zeroes the balance before the transfer so a
// re-entered withdrawal can never pay twice.
package insurance

import (
	"sync"

	"surety/pkg/fault"
	"surety/pkg/flights"
	"surety/pkg/money"
)

// MaxPremium caps what a buyer may escrow on a single flight.
const MaxPremium money.Amount = 1 * money.Unit

// Payout multiplier for an airline-caused delay: premium * 3 / 2.
const (
	payoutNum money.Amount = 3
	payoutDen money.Amount = 2
)

type Policy struct {
	FlightID string
	Buyer    string
	Premium  money.Amount
	Credited bool
}

// Credit records one buyer's payout from a finalized round.
type Credit struct {
	Buyer  string
	Amount money.Amount
}

// FlightReader is the slice of the flight registry the ledger needs.
type FlightReader interface {
	IsRegistered(flightID string) bool
}

// Payer receives the funds of a completed withdrawal.
type Payer interface {
	Pay(buyer string, amount money.Amount) error
}

type Config struct {
	// RefundOnNoFault returns the premium instead of forfeiting it when a
	// flight finalizes with a status other than LATE_AIRLINE.
	RefundOnNoFault bool
}

type Ledger struct {
	mu       sync.Mutex
	policies map[string]map[string]*Policy // flight -> buyer -> policy
	balances map[string]money.Amount
	flights  FlightReader
	payer    Payer
	cfg      Config
}

func New(flights FlightReader, payer Payer, cfg Config) *Ledger {
	return &Ledger{
		policies: map[string]map[string]*Policy{},
		balances: map[string]money.Amount{},
		flights:  flights,
		payer:    payer,
		cfg:      cfg,
	}
}

// Buy escrows a premium against a registered flight. One policy per
// (flight, buyer); a second purchase is rejected, not merged.
func (l *Ledger) Buy(flightID, buyer string, amount money.Amount) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.flights.IsRegistered(flightID) {
		return fault.State("flight %s is not registered", flightID)
	}
	if amount <= 0 {
		return fault.Value("premium must be positive")
	}
	if amount > MaxPremium {
		return fault.Value("premium %s above cap %s", money.Format(amount), money.Format(MaxPremium))
	}
	byBuyer := l.policies[flightID]
	if byBuyer == nil {
		byBuyer = map[string]*Policy{}
		l.policies[flightID] = byBuyer
	}
	if _, ok := byBuyer[buyer]; ok {
		return fault.State("policy already exists for flight %s and buyer %s", flightID, buyer)
	}
	byBuyer[buyer] = &Policy{FlightID: flightID, Buyer: buyer, Premium: amount}
	return nil
}

// Has reports whether buyer holds a policy on the flight.
func (l *Ledger) Has(flightID, buyer string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.policies[flightID][buyer]
	return ok
}

// CreditInsurees settles every uncredited policy on the flight for the
// finalized status. LATE_AIRLINE pays premium*3/2 into the buyer's balance;
// any other status settles at zero (premium forfeited) unless the ledger is
// configured to refund. Already-credited policies are untouched, so a
// duplicate finalization trigger cannot pay twice.
func (l *Ledger) CreditInsurees(flightID string, status flights.Status) []Credit {
	l.mu.Lock()
	defer l.mu.Unlock()

	var credits []Credit
	for _, p := range l.policies[flightID] {
		if p.Credited {
			continue
		}
		p.Credited = true
		var payout money.Amount
		switch {
		case status == flights.StatusLateAirline:
			payout = p.Premium * payoutNum / payoutDen
		case l.cfg.RefundOnNoFault:
			payout = p.Premium
		}
		if payout > 0 {
			l.balances[p.Buyer] += payout
		}
		credits = append(credits, Credit{Buyer: p.Buyer, Amount: payout})
	}
	return credits
}

// Withdraw pays out the caller's full balance. The balance is zeroed before
// the transfer is initiated; if the transfer fails the balance is restored.
func (l *Ledger) Withdraw(buyer, caller string) (money.Amount, error) {
	if caller != buyer {
		return 0, fault.Authorization("caller %s does not own balance of %s", caller, buyer)
	}

	l.mu.Lock()
	amount := l.balances[buyer]
	if amount == 0 {
		l.mu.Unlock()
		return 0, fault.State("no balance to withdraw for %s", buyer)
	}
	l.balances[buyer] = 0
	l.mu.Unlock()

	if l.payer != nil {
		if err := l.payer.Pay(buyer, amount); err != nil {
			l.mu.Lock()
			l.balances[buyer] += amount
			l.mu.Unlock()
			return 0, fault.State("transfer failed: %v", err)
		}
	}
	return amount, nil
}

// Balance is a pure read of the buyer's withdrawable balance.
func (l *Ledger) Balance(buyer string) money.Amount {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[buyer]
}
