// Package journal is the append-only transition log behind the in-memory
// registries. Every accepted state transition is recorded as one row; on boot
// the gateway replays the rows in sequence to rebuild identical state.
// Randomized decisions (oracle index assignments, the drawn request index)
// are journaled with their outcomes so replay is deterministic.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Entry kinds, one per journaled transition.
const (
	KindOpsSet            = "ops.set"
	KindCallerAuthorize   = "caller.authorize"
	KindCallerDeauthorize = "caller.deauthorize"
	KindAirlineRegister   = "airline.register"
	KindAirlineFund       = "airline.fund"
	KindFlightRegister    = "flight.register"
	KindPolicyBuy         = "policy.buy"
	KindOracleRegister    = "oracle.register"
	KindRoundOpen         = "round.open"
	KindOracleResponse    = "oracle.response"
	KindPayoutWithdraw    = "payout.withdraw"
)

type Entry struct {
	Seq        int64
	Kind       string
	Payload    json.RawMessage
	RecordedAt time.Time
}

// Payloads. Amounts are in hundredths of a unit.

type OpsSet struct {
	Operational bool   `json:"operational"`
	Caller      string `json:"caller"`
}

type CallerChange struct {
	Target string `json:"target"`
	Caller string `json:"caller"`
}

type AirlineRegister struct {
	Airline string `json:"airline"`
	Name    string `json:"name"`
	Caller  string `json:"caller"`
}

type AirlineFund struct {
	Airline string `json:"airline"`
	Amount  int64  `json:"amount"`
}

type FlightRegister struct {
	Flight    string `json:"flight"`
	Airline   string `json:"airline"`
	Timestamp int64  `json:"timestamp"`
}

type PolicyBuy struct {
	Flight string `json:"flight"`
	Buyer  string `json:"buyer"`
	Amount int64  `json:"amount"`
}

type OracleRegister struct {
	Oracle  string   `json:"oracle"`
	Fee     int64    `json:"fee"`
	Indexes [3]uint8 `json:"indexes"`
}

type RoundOpen struct {
	Index     uint8  `json:"index"`
	Flight    string `json:"flight"`
	Timestamp int64  `json:"timestamp"`
	Requester string `json:"requester"`
}

type OracleResponse struct {
	Index     uint8  `json:"index"`
	Flight    string `json:"flight"`
	Timestamp int64  `json:"timestamp"`
	Status    int    `json:"status"`
	Oracle    string `json:"oracle"`
}

type PayoutWithdraw struct {
	Buyer  string `json:"buyer"`
	Amount int64  `json:"amount"`
}

// DB is the pgx surface the journal needs.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Writer struct {
	db DB
}

func New(db DB) *Writer {
	return &Writer{db: db}
}

// Append records one transition. The caller applies the transition to the
// in-memory registries first and journals only accepted transitions.
func (w *Writer) Append(ctx context.Context, kind string, payload any) error {
	if w == nil || w.db == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("journal encode %s: %w", kind, err)
	}
	_, err = w.db.Exec(ctx,
		`INSERT INTO ledger_journal (kind, payload) VALUES ($1, $2)`, kind, raw)
	if err != nil {
		return fmt.Errorf("journal append %s: %w", kind, err)
	}
	return nil
}

// Replay streams every entry in commit order into apply. Replay stops at the
// first apply error; a journal that no longer applies cleanly means the code
// and the log disagree and the operator has to look.
func (w *Writer) Replay(ctx context.Context, apply func(Entry) error) error {
	if w == nil || w.db == nil {
		return nil
	}
	rows, err := w.db.Query(ctx,
		`SELECT seq, kind, payload, recorded_at FROM ledger_journal ORDER BY seq`)
	if err != nil {
		return fmt.Errorf("journal replay query: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Seq, &e.Kind, &e.Payload, &e.RecordedAt); err != nil {
			return fmt.Errorf("journal replay scan: %w", err)
		}
		if err := apply(e); err != nil {
			return fmt.Errorf("journal replay entry %d (%s): %w", e.Seq, e.Kind, err)
		}
	}
	return rows.Err()
}

// Decode unpacks an entry payload into the kind's payload struct.
func Decode[T any](e Entry) (T, error) {
	var out T
	if err := json.Unmarshal(e.Payload, &out); err != nil {
		return out, fmt.Errorf("journal decode %s: %w", e.Kind, err)
	}
	return out, nil
}
