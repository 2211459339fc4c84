// Package flights stores flight records and their finalized delay status.
// A flight's status is written exactly once, by the consensus engine, through
// a compare-and-set on the UNKNOWN default.
package flights

import (
	"sync"

	"surety/pkg/fault"
)

// Status is the resolved flight delay code.
type Status int

const (
	StatusUnknown       Status = 0
	StatusOnTime        Status = 10
	StatusLateAirline   Status = 20
	StatusLateWeather   Status = 30
	StatusLateTechnical Status = 40
	StatusLateOther     Status = 50
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusOnTime:
		return "ON_TIME"
	case StatusLateAirline:
		return "LATE_AIRLINE"
	case StatusLateWeather:
		return "LATE_WEATHER"
	case StatusLateTechnical:
		return "LATE_TECHNICAL"
	case StatusLateOther:
		return "LATE_OTHER"
	default:
		return "INVALID"
	}
}

// ValidStatus reports whether code is one of the defined status codes.
func ValidStatus(code int) bool {
	switch Status(code) {
	case StatusUnknown, StatusOnTime, StatusLateAirline, StatusLateWeather, StatusLateTechnical, StatusLateOther:
		return true
	default:
		return false
	}
}

type Flight struct {
	ID         string
	Airline    string
	Timestamp  int64
	Status     Status
	Registered bool
}

// FundChecker is the slice of the airline registry the flight store needs.
type FundChecker interface {
	IsFunded(id string) bool
}

type Registry struct {
	mu       sync.RWMutex
	flights  map[string]*Flight
	airlines FundChecker
}

func New(airlines FundChecker) *Registry {
	return &Registry{flights: map[string]*Flight{}, airlines: airlines}
}

// Register creates a flight owned by the calling airline. The caller must be
// the owning airline and must be funded.
func (r *Registry) Register(flightID, airline string, timestamp int64, caller string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if caller != airline {
		return fault.Authorization("caller %s does not own airline %s", caller, airline)
	}
	if !r.airlines.IsFunded(airline) {
		return fault.Authorization("airline %s is not funded", airline)
	}
	if _, ok := r.flights[flightID]; ok {
		return fault.State("flight %s is already registered", flightID)
	}
	r.flights[flightID] = &Flight{
		ID:         flightID,
		Airline:    airline,
		Timestamp:  timestamp,
		Status:     StatusUnknown,
		Registered: true,
	}
	return nil
}

// SetFinalStatus locks in the consensus result for a flight. The first call
// wins; later calls are no-ops so duplicate finalization triggers are
// tolerated. Reports whether this call performed the write.
func (r *Registry) SetFinalStatus(flightID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	f, ok := r.flights[flightID]
	if !ok {
		return false
	}
	if f.Status != StatusUnknown {
		return false
	}
	f.Status = status
	return true
}

func (r *Registry) IsRegistered(flightID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flights[flightID]
	return ok && f.Registered
}

func (r *Registry) Get(flightID string) (Flight, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.flights[flightID]
	if !ok {
		return Flight{}, false
	}
	return *f, true
}
