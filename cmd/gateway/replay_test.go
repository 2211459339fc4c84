package main

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"surety/pkg/journal"
	"surety/pkg/oracles"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func newEngineWithEntropy(s *Server, e oracles.Entropy) *oracles.Engine {
	return oracles.New(s.Flights, s.Insurance, s.Events, e)
}

// memJournalDB keeps appended journal rows in memory and serves them back on
// replay, standing in for the Postgres table.
type memJournalDB struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (m *memJournalDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload := append([]byte(nil), args[1].([]byte)...)
	m.entries = append(m.entries, journal.Entry{
		Seq:        int64(len(m.entries) + 1),
		Kind:       args[0].(string),
		Payload:    payload,
		RecordedAt: time.Now(),
	})
	return pgconn.CommandTag{}, nil
}

func (m *memJournalDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]journal.Entry(nil), m.entries...)
	return &memJournalRows{entries: entries}, nil
}

type memJournalRows struct {
	entries []journal.Entry
	idx     int
}

func (m *memJournalRows) Close()     {}
func (m *memJournalRows) Err() error { return nil }
func (m *memJournalRows) Next() bool { m.idx++; return m.idx <= len(m.entries) }
func (m *memJournalRows) Scan(dest ...any) error {
	e := m.entries[m.idx-1]
	*(dest[0].(*int64)) = e.Seq
	*(dest[1].(*string)) = e.Kind
	*(dest[2].(*json.RawMessage)) = e.Payload
	*(dest[3].(*time.Time)) = e.RecordedAt
	return nil
}
func (m *memJournalRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (m *memJournalRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (m *memJournalRows) Conn() *pgx.Conn                              { return nil }
func (m *memJournalRows) RawValues() [][]byte                          { return nil }
func (m *memJournalRows) Values() ([]any, error)                       { return nil, nil }

func TestReplayRebuildsLedgerState(t *testing.T) {
	db := &memJournalDB{}

	// First life: drive a full scenario through the HTTP surface.
	a := newTestServer(t)
	a.Journal = journal.New(db)
	r := a.router()

	doJSON(t, r, "POST", "/v1/airlines/fund", map[string]any{"airline": "GA", "amount": 1000}, nil)
	doJSON(t, r, "POST", "/v1/airlines", map[string]any{"airline": "A2", "name": "Second", "caller": "GA"}, nil)
	doJSON(t, r, "POST", "/v1/flights", map[string]any{
		"flight": "ND-1309", "airline": "GA", "timestamp": 1700000000, "caller": "GA",
	}, nil)
	doJSON(t, r, "POST", "/v1/insurance/buy", map[string]any{
		"flight": "ND-1309", "buyer": "alice", "amount": 100,
	}, nil)
	doJSON(t, r, "POST", "/v1/flights/status/request", map[string]any{
		"flight": "ND-1309", "timestamp": 1700000000, "requester": "alice",
	}, nil)
	for _, oracle := range []string{"o1", "o2", "o3"} {
		doJSON(t, r, "POST", "/v1/oracles/register", map[string]any{"oracle": oracle, "fee": 100}, nil)
		rec := doJSON(t, r, "POST", "/v1/oracles/response", map[string]any{
			"index": 5, "flight": "ND-1309", "timestamp": 1700000000, "status": 20, "oracle": oracle,
		}, nil)
		if rec.Code != 200 {
			t.Fatalf("response from %s: %d %s", oracle, rec.Code, rec.Body.String())
		}
	}
	if got := a.Insurance.Balance("alice"); got != 150 {
		t.Fatalf("first life balance: %d", got)
	}

	// Second life: a different entropy source proves replay restores the
	// journaled draws instead of redrawing.
	b := newTestServer(t)
	b.Oracles = newEngineWithEntropy(b, stubEntropy{indexes: [3]uint8{0, 1, 3}, request: 9})
	b.Journal = journal.New(db)
	if err := b.replayJournal(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if !b.Airlines.IsFunded("GA") {
		t.Fatal("genesis funding lost")
	}
	if !b.Airlines.IsRegistered("A2") {
		t.Fatal("admitted airline lost")
	}
	f, ok := b.Flights.Get("ND-1309")
	if !ok || int(f.Status) != 20 {
		t.Fatalf("flight status not rebuilt: %+v", f)
	}
	indexes, err := b.Oracles.Indexes("o1")
	if err != nil || indexes != [3]uint8{2, 5, 7} {
		t.Fatalf("oracle indexes not restored: %v %v", indexes, err)
	}
	if got := b.Insurance.Balance("alice"); got != 150 {
		t.Fatalf("credited balance not rebuilt: %d", got)
	}

	// The rebuilt ledger keeps working: withdrawal pays out once.
	amount, err := b.Insurance.Withdraw("alice", "alice")
	if err != nil || amount != 150 {
		t.Fatalf("withdraw after replay: %d %v", amount, err)
	}
}

func TestReplayAppliesWithdrawals(t *testing.T) {
	db := &memJournalDB{}
	a := newTestServer(t)
	a.Journal = journal.New(db)
	r := a.router()

	doJSON(t, r, "POST", "/v1/airlines/fund", map[string]any{"airline": "GA", "amount": 1000}, nil)
	doJSON(t, r, "POST", "/v1/flights", map[string]any{
		"flight": "F1", "airline": "GA", "timestamp": 1000, "caller": "GA",
	}, nil)
	doJSON(t, r, "POST", "/v1/insurance/buy", map[string]any{"flight": "F1", "buyer": "bob", "amount": 100}, nil)
	doJSON(t, r, "POST", "/v1/flights/status/request", map[string]any{
		"flight": "F1", "timestamp": 1000, "requester": "bob",
	}, nil)
	for _, oracle := range []string{"o1", "o2", "o3"} {
		doJSON(t, r, "POST", "/v1/oracles/register", map[string]any{"oracle": oracle, "fee": 100}, nil)
		doJSON(t, r, "POST", "/v1/oracles/response", map[string]any{
			"index": 5, "flight": "F1", "timestamp": 1000, "status": 20, "oracle": oracle,
		}, nil)
	}
	rec := doJSON(t, r, "POST", "/v1/insurance/withdraw", map[string]any{"buyer": "bob", "caller": "bob"}, nil)
	if rec.Code != 200 {
		t.Fatalf("withdraw: %d %s", rec.Code, rec.Body.String())
	}

	b := newTestServer(t)
	b.Journal = journal.New(db)
	if err := b.replayJournal(context.Background()); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got := b.Insurance.Balance("bob"); got != 0 {
		t.Fatalf("withdrawn balance must replay to zero, got %d", got)
	}
}

func TestReplayUnknownKindFails(t *testing.T) {
	db := &memJournalDB{}
	w := journal.New(db)
	if err := w.Append(context.Background(), "bogus.kind", map[string]string{"x": "y"}); err != nil {
		t.Fatalf("append: %v", err)
	}
	s := newTestServer(t)
	s.Journal = w
	if err := s.replayJournal(context.Background()); err == nil {
		t.Fatal("expected replay failure on unknown kind")
	}
}
