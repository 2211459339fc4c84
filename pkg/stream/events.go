package stream

import "surety/pkg/money"

// Event types carried on the hub. The external relay consumes
// TypeOracleRequest and answers with oracle responses; dashboards consume
// the rest.
const (
	TypeReady             = "ready"
	TypeOracleRequest     = "oracle.request"
	TypeOracleReport      = "oracle.report"
	TypeFlightStatus      = "flight.status"
	TypeAirlineRegistered = "airline.registered"
	TypeAirlineFunded     = "airline.funded"
	TypeFlightRegistered  = "flight.registered"
	TypePolicyPurchased   = "policy.purchased"
	TypePayoutCredited    = "payout.credited"
	TypePayoutWithdrawn   = "payout.withdrawn"
)

// OracleRequest asks oracles holding the index to report on the flight.
type OracleRequest struct {
	Flight    string `json:"flight"`
	Timestamp int64  `json:"timestamp"`
	Index     uint8  `json:"index"`
}

// OracleReport is an accepted individual oracle response, pre-quorum.
type OracleReport struct {
	Flight    string `json:"flight"`
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Oracle    string `json:"oracle"`
}

// FlightStatus is the finalized consensus result.
type FlightStatus struct {
	Flight    string `json:"flight"`
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
}

type PayoutCredited struct {
	Flight string       `json:"flight"`
	Buyer  string       `json:"buyer"`
	Amount money.Amount `json:"amount"`
}

func NewOracleRequest(flight string, timestamp int64, index uint8) Event {
	return NewEvent(TypeOracleRequest, OracleRequest{Flight: flight, Timestamp: timestamp, Index: index})
}

func NewOracleReport(flight string, timestamp int64, status int, oracle string) Event {
	return NewEvent(TypeOracleReport, OracleReport{Flight: flight, Timestamp: timestamp, Status: status, Oracle: oracle})
}

func NewFlightStatus(flight string, timestamp int64, status int) Event {
	return NewEvent(TypeFlightStatus, FlightStatus{Flight: flight, Timestamp: timestamp, Status: status})
}
