// Package oracles runs the status consensus protocol. Oracles register with
// a fee and receive three distinct indexes; a status request opens a round on
// one index, and only oracles holding that index may answer. The first status
// code to gather MinResponses matching answers closes the round and settles
// the flight.
package oracles

import (
	"fmt"
	"sync"

	"surety/pkg/fault"
	"surety/pkg/flights"
	"surety/pkg/insurance"
	"surety/pkg/money"
	"surety/pkg/stream"
)

const (
	// RegistrationFee is what an oracle stakes to join the pool.
	RegistrationFee money.Amount = 1 * money.Unit
	// IndexCount is how many distinct indexes each oracle holds.
	IndexCount = 3
	// IndexRange bounds index values to [0, IndexRange).
	IndexRange = 10
	// MinResponses matching answers close a round.
	MinResponses = 3
)

type Oracle struct {
	ID      string
	Indexes [IndexCount]uint8
}

type roundKey struct {
	Index     uint8
	Flight    string
	Timestamp int64
}

type round struct {
	key       roundKey
	open      bool
	responses map[flights.Status]map[string]struct{}
}

// RoundView is a read-only snapshot of a consensus round.
type RoundView struct {
	Index     uint8       `json:"index"`
	Flight    string      `json:"flight"`
	Timestamp int64       `json:"timestamp"`
	Open      bool        `json:"open"`
	Tally     map[int]int `json:"tally"`
}

// FlightRegistry is the slice of the flight store the engine needs.
type FlightRegistry interface {
	IsRegistered(flightID string) bool
	SetFinalStatus(flightID string, status flights.Status) bool
}

// Settler credits insurees once a flight's status is finalized.
type Settler interface {
	CreditInsurees(flightID string, status flights.Status) []insurance.Credit
}

type Engine struct {
	mu      sync.Mutex
	oracles map[string]*Oracle
	rounds  map[roundKey]*round

	flights FlightRegistry
	settler Settler
	events  stream.Publisher
	entropy Entropy
}

func New(flightReg FlightRegistry, settler Settler, events stream.Publisher, entropy Entropy) *Engine {
	if entropy == nil {
		entropy = NewSeededEntropy()
	}
	return &Engine{
		oracles: map[string]*Oracle{},
		rounds:  map[roundKey]*round{},
		flights: flightReg,
		settler: settler,
		events:  events,
		entropy: entropy,
	}
}

// Register admits an oracle to the pool and assigns its indexes. Registering
// twice is a no-op that returns the original assignment; the fee is not
// charged again.
func (e *Engine) Register(oracleID string, fee money.Amount) ([IndexCount]uint8, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o, ok := e.oracles[oracleID]; ok {
		return o.Indexes, nil
	}
	if fee < RegistrationFee {
		return [IndexCount]uint8{}, fault.Value("registration fee %s below required %s",
			money.Format(fee), money.Format(RegistrationFee))
	}
	o := &Oracle{ID: oracleID, Indexes: e.entropy.OracleIndexes(oracleID)}
	e.oracles[oracleID] = o
	return o.Indexes, nil
}

// RestoreOracle reinstates an oracle with its recorded indexes. Used when
// replaying the journal, where the original assignment must be preserved.
func (e *Engine) RestoreOracle(oracleID string, indexes [IndexCount]uint8) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oracles[oracleID] = &Oracle{ID: oracleID, Indexes: indexes}
}

// IsRegistered reports whether the oracle is in the pool.
func (e *Engine) IsRegistered(oracleID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.oracles[oracleID]
	return ok
}

// Indexes returns the oracle's index assignment.
func (e *Engine) Indexes(oracleID string) ([IndexCount]uint8, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.oracles[oracleID]
	if !ok {
		return [IndexCount]uint8{}, fault.State("oracle %s is not registered", oracleID)
	}
	return o.Indexes, nil
}

// RequestStatus opens a consensus round for the flight on a freshly drawn
// index and broadcasts the request to subscribed oracles. The index is
// returned so the caller can journal it for replay.
func (e *Engine) RequestStatus(flightID string, timestamp int64, requester string) (uint8, error) {
	if !e.flights.IsRegistered(flightID) {
		return 0, fault.State("flight %s is not registered", flightID)
	}
	index := e.entropy.RequestIndex(requester + "/" + flightID)
	e.OpenRound(index, flightID, timestamp)
	if e.events != nil {
		e.events.Publish(stream.NewOracleRequest(flightID, timestamp, index))
	}
	return index, nil
}

// OpenRound creates the round if it does not exist yet. Reopening a round
// that was already closed by consensus is a no-op.
func (e *Engine) OpenRound(index uint8, flightID string, timestamp int64) {
	key := roundKey{Index: index, Flight: flightID, Timestamp: timestamp}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rounds[key]; ok {
		return
	}
	e.rounds[key] = &round{
		key:       key,
		open:      true,
		responses: map[flights.Status]map[string]struct{}{},
	}
}

// SubmitResponse records one oracle's answer for a round. The same oracle
// answering the same status twice counts once. When a status reaches
// MinResponses on an open round the round closes, the flight status is locked
// in and insurees are credited. Answers arriving after the close are still
// tallied but can neither reopen the round nor settle a second time. Reports
// whether this response finalized the round.
func (e *Engine) SubmitResponse(index uint8, flightID string, timestamp int64, status flights.Status, oracleID string) (bool, error) {
	if !flights.ValidStatus(int(status)) {
		return false, fault.Value("status code %d is not defined", status)
	}
	key := roundKey{Index: index, Flight: flightID, Timestamp: timestamp}

	e.mu.Lock()
	o, ok := e.oracles[oracleID]
	if !ok {
		e.mu.Unlock()
		return false, fault.Consensus("oracle %s is not registered", oracleID)
	}
	if !holdsIndex(o, index) {
		e.mu.Unlock()
		return false, fault.Consensus("oracle %s does not hold index %d", oracleID, index)
	}
	r, ok := e.rounds[key]
	if !ok {
		e.mu.Unlock()
		return false, fault.Consensus("no request for index %d on %s", index, flightKey(flightID, timestamp))
	}
	voters := r.responses[status]
	if voters == nil {
		voters = map[string]struct{}{}
		r.responses[status] = voters
	}
	if _, dup := voters[oracleID]; dup {
		e.mu.Unlock()
		return false, nil
	}
	voters[oracleID] = struct{}{}
	// A closed round keeps tallying, it just never reaches quorum again.
	reached := r.open && len(voters) >= MinResponses
	if reached {
		r.open = false
	}
	e.mu.Unlock()

	if e.events != nil {
		e.events.Publish(stream.NewOracleReport(flightID, timestamp, int(status), oracleID))
	}
	if !reached {
		return false, nil
	}
	e.finalize(flightID, timestamp, status)
	return true, nil
}

// finalize locks in the consensus status and settles policies. The flight
// store's compare-and-set guarantees a single settlement even if two rounds
// for the same flight reach quorum.
func (e *Engine) finalize(flightID string, timestamp int64, status flights.Status) {
	if !e.flights.SetFinalStatus(flightID, status) {
		return
	}
	credits := e.settler.CreditInsurees(flightID, status)
	if e.events == nil {
		return
	}
	e.events.Publish(stream.NewFlightStatus(flightID, timestamp, int(status)))
	for _, c := range credits {
		if c.Amount == 0 {
			continue
		}
		e.events.Publish(stream.NewEvent(stream.TypePayoutCredited, stream.PayoutCredited{
			Flight: flightID,
			Buyer:  c.Buyer,
			Amount: c.Amount,
		}))
	}
}

// Rounds snapshots every round for the flight, open or closed.
func (e *Engine) Rounds(flightID string) []RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []RoundView
	for key, r := range e.rounds {
		if key.Flight != flightID {
			continue
		}
		tally := map[int]int{}
		for st, voters := range r.responses {
			tally[int(st)] = len(voters)
		}
		out = append(out, RoundView{
			Index:     key.Index,
			Flight:    key.Flight,
			Timestamp: key.Timestamp,
			Open:      r.open,
			Tally:     tally,
		})
	}
	return out
}

// OracleCount reports the size of the pool.
func (e *Engine) OracleCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.oracles)
}

func holdsIndex(o *Oracle, index uint8) bool {
	for _, i := range o.Indexes {
		if i == index {
			return true
		}
	}
	return false
}

func flightKey(flightID string, timestamp int64) string {
	return fmt.Sprintf("%s@%d", flightID, timestamp)
}
