package main

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"surety/pkg/fault"
	"surety/pkg/flights"
	"surety/pkg/httpx"
	"surety/pkg/journal"
	"surety/pkg/money"
	"surety/pkg/oracles"
	"surety/pkg/stream"

	"github.com/go-chi/chi/v5"
)

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		httpx.Error(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func decodeEventData(evt stream.Event, dst any) error {
	return json.Unmarshal(evt.Data, dst)
}

func kindLabel(err error) string {
	switch fault.Kind(err) {
	case fault.ErrAuthorization:
		return "authorization"
	case fault.ErrState:
		return "state"
	case fault.ErrValue:
		return "value"
	case fault.ErrConsensus:
		return "consensus"
	default:
		return "internal"
	}
}

func (s *Server) writeFault(w http.ResponseWriter, err error) {
	s.Metrics.IncFault(kindLabel(err))
	httpx.WriteFault(w, err)
}

// guardOperational rejects mutations while the gate is off. The pause reads
// as unavailability, not as a state conflict of the requested transition.
func (s *Server) guardOperational(w http.ResponseWriter) bool {
	if err := s.Gate.Guard(); err != nil {
		s.Metrics.IncFault("paused")
		httpx.Error(w, http.StatusServiceUnavailable, err.Error())
		return false
	}
	return true
}

// guardCaller applies the caller whitelist to storage-mutating operations.
// With an empty whitelist the registry waves everyone through.
func (s *Server) guardCaller(w http.ResponseWriter, id string) bool {
	if err := s.Access.Guard(id); err != nil {
		s.writeFault(w, err)
		return false
	}
	return true
}

// claimIdempotency reserves the request's Idempotency-Key so a retried
// mutation cannot double-apply. A cache outage does not block writes.
func (s *Server) claimIdempotency(w http.ResponseWriter, r *http.Request) bool {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" || s.Cache == nil {
		return true
	}
	ttl := s.IdempotencyTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	ok, err := s.Cache.SetNX(r.Context(), "surety:idem:"+key, "1", ttl)
	if err != nil {
		return true
	}
	if !ok {
		httpx.Error(w, http.StatusConflict, "duplicate request")
		return false
	}
	return true
}

func (s *Server) journalAppend(r *http.Request, kind string, payload any) {
	if err := s.Journal.Append(r.Context(), kind, payload); err != nil {
		log.Printf("journal: %v", err)
	}
}

func (s *Server) getOperational(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, 200, map[string]any{"operational": s.Gate.IsOperational()})
}

func (s *Server) setOperational(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operational bool   `json:"operational"`
		Caller      string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Gate.SetOperational(req.Operational, req.Caller); err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindOpsSet, journal.OpsSet{Operational: req.Operational, Caller: req.Caller})
	httpx.WriteJSON(w, 200, map[string]any{"operational": req.Operational})
}

func (s *Server) authorizeCaller(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Caller string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Access.Authorize(req.ID, req.Caller); err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindCallerAuthorize, journal.CallerChange{Target: req.ID, Caller: req.Caller})
	httpx.WriteJSON(w, 200, map[string]any{"id": req.ID, "authorized": true})
}

func (s *Server) deauthorizeCaller(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID     string `json:"id"`
		Caller string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.Access.Deauthorize(req.ID, req.Caller); err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindCallerDeauthorize, journal.CallerChange{Target: req.ID, Caller: req.Caller})
	httpx.WriteJSON(w, 200, map[string]any{"id": req.ID, "authorized": false})
}

func (s *Server) registerAirline(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Airline string `json:"airline"`
		Name    string `json:"name"`
		Caller  string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.guardCaller(w, req.Caller) {
		return
	}
	registered, votes, err := s.Airlines.Register(req.Airline, req.Name, req.Caller)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindAirlineRegister, journal.AirlineRegister{
		Airline: req.Airline, Name: req.Name, Caller: req.Caller,
	})
	s.Events.Publish(stream.NewEvent(stream.TypeAirlineRegistered, map[string]any{
		"airline": req.Airline, "registered": registered, "votes": votes,
	}))
	httpx.WriteJSON(w, 200, map[string]any{"registered": registered, "votes": votes})
}

func (s *Server) fundAirline(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Airline string       `json:"airline"`
		Amount  money.Amount `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.guardCaller(w, req.Airline) {
		return
	}
	funded, err := s.Airlines.Fund(req.Airline, req.Amount)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindAirlineFund, journal.AirlineFund{Airline: req.Airline, Amount: req.Amount})
	s.Events.Publish(stream.NewEvent(stream.TypeAirlineFunded, map[string]any{
		"airline": req.Airline, "amount": req.Amount,
	}))
	httpx.WriteJSON(w, 200, map[string]any{"funded": funded})
}

func (s *Server) getAirline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "airline_id")
	a, ok := s.Airlines.Get(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "airline not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"id":            a.ID,
		"name":          a.Name,
		"registered":    a.Registered,
		"funded":        a.Funded,
		"funded_amount": a.FundedAmount,
		"votes":         s.Airlines.Votes(id),
	})
}

func (s *Server) registerFlight(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Flight    string `json:"flight"`
		Airline   string `json:"airline"`
		Timestamp int64  `json:"timestamp"`
		Caller    string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.guardCaller(w, req.Caller) {
		return
	}
	if err := s.Flights.Register(req.Flight, req.Airline, req.Timestamp, req.Caller); err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindFlightRegister, journal.FlightRegister{
		Flight: req.Flight, Airline: req.Airline, Timestamp: req.Timestamp,
	})
	s.Events.Publish(stream.NewEvent(stream.TypeFlightRegistered, map[string]any{
		"flight": req.Flight, "airline": req.Airline, "timestamp": req.Timestamp,
	}))
	httpx.WriteJSON(w, 200, map[string]any{"registered": true})
}

func (s *Server) getFlight(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "flight_id")
	f, ok := s.Flights.Get(id)
	if !ok {
		httpx.Error(w, http.StatusNotFound, "flight not found")
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{
		"id":          f.ID,
		"airline":     f.Airline,
		"timestamp":   f.Timestamp,
		"status":      int(f.Status),
		"status_text": f.Status.String(),
	})
}

func (s *Server) requestFlightStatus(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Flight    string `json:"flight"`
		Timestamp int64  `json:"timestamp"`
		Requester string `json:"requester"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	index, err := s.Oracles.RequestStatus(req.Flight, req.Timestamp, req.Requester)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.markRoundStart(req.Flight, req.Timestamp)
	s.journalAppend(r, journal.KindRoundOpen, journal.RoundOpen{
		Index: index, Flight: req.Flight, Timestamp: req.Timestamp, Requester: req.Requester,
	})
	httpx.WriteJSON(w, 200, map[string]any{"index": index})
}

func (s *Server) buyInsurance(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Flight string       `json:"flight"`
		Buyer  string       `json:"buyer"`
		Amount money.Amount `json:"amount"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.guardCaller(w, req.Buyer) {
		return
	}
	if err := s.Insurance.Buy(req.Flight, req.Buyer, req.Amount); err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindPolicyBuy, journal.PolicyBuy{
		Flight: req.Flight, Buyer: req.Buyer, Amount: req.Amount,
	})
	s.Metrics.AddPremiumEscrowed(req.Amount)
	s.Events.Publish(stream.NewEvent(stream.TypePolicyPurchased, map[string]any{
		"flight": req.Flight, "buyer": req.Buyer, "amount": req.Amount,
	}))
	httpx.WriteJSON(w, 200, map[string]any{"purchased": true})
}

func (s *Server) withdrawPayout(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Buyer  string `json:"buyer"`
		Caller string `json:"caller"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if !s.guardCaller(w, req.Caller) {
		return
	}
	amount, err := s.Insurance.Withdraw(req.Buyer, req.Caller)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindPayoutWithdraw, journal.PayoutWithdraw{Buyer: req.Buyer, Amount: amount})
	s.Metrics.AddPayoutWithdrawn(amount)
	s.Events.Publish(stream.NewEvent(stream.TypePayoutWithdrawn, map[string]any{
		"buyer": req.Buyer, "amount": amount,
	}))
	httpx.WriteJSON(w, 200, map[string]any{"amount": amount, "formatted": money.Format(amount)})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	buyer := chi.URLParam(r, "buyer_id")
	balance := s.Insurance.Balance(buyer)
	httpx.WriteJSON(w, 200, map[string]any{
		"buyer":     buyer,
		"balance":   balance,
		"formatted": money.Format(balance),
	})
}

func (s *Server) registerOracle(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	if !s.claimIdempotency(w, r) {
		return
	}
	var req struct {
		Oracle string       `json:"oracle"`
		Fee    money.Amount `json:"fee"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	indexes, err := s.Oracles.Register(req.Oracle, req.Fee)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindOracleRegister, journal.OracleRegister{
		Oracle: req.Oracle, Fee: req.Fee, Indexes: indexes,
	})
	httpx.WriteJSON(w, 200, map[string]any{"oracle": req.Oracle, "indexes": indexes})
}

func (s *Server) getOracle(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "oracle_id")
	httpx.WriteJSON(w, 200, map[string]any{
		"oracle":     id,
		"registered": s.Oracles.IsRegistered(id),
	})
}

func (s *Server) getOracleIndexes(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "oracle_id")
	indexes, err := s.Oracles.Indexes(id)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	httpx.WriteJSON(w, 200, map[string]any{"oracle": id, "indexes": indexes})
}

func (s *Server) submitOracleResponse(w http.ResponseWriter, r *http.Request) {
	if !s.guardOperational(w) {
		return
	}
	var req struct {
		Index     uint8  `json:"index"`
		Flight    string `json:"flight"`
		Timestamp int64  `json:"timestamp"`
		Status    int    `json:"status"`
		Oracle    string `json:"oracle"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	finalized, err := s.Oracles.SubmitResponse(req.Index, req.Flight, req.Timestamp, flights.Status(req.Status), req.Oracle)
	if err != nil {
		s.writeFault(w, err)
		return
	}
	s.journalAppend(r, journal.KindOracleResponse, journal.OracleResponse{
		Index: req.Index, Flight: req.Flight, Timestamp: req.Timestamp,
		Status: req.Status, Oracle: req.Oracle,
	})
	httpx.WriteJSON(w, 200, map[string]any{"accepted": true, "finalized": finalized})
}

func (s *Server) getRounds(w http.ResponseWriter, r *http.Request) {
	flight := strings.TrimSpace(r.URL.Query().Get("flight"))
	if flight == "" {
		httpx.Error(w, http.StatusBadRequest, "flight query parameter required")
		return
	}
	rounds := s.Oracles.Rounds(flight)
	if rounds == nil {
		rounds = []oracles.RoundView{}
	}
	httpx.WriteJSON(w, 200, map[string]any{"flight": flight, "rounds": rounds})
}
