package journal

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	rows     pgx.Rows
	queryErr error
}

func (f *fakeDB) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, args)
	return pgconn.CommandTag{}, f.execErr
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.rows, nil
}

// fakeJournalRows implements pgx.Rows over a fixed entry list.
type fakeJournalRows struct {
	entries []Entry
	idx     int
	scanErr error
}

func (f *fakeJournalRows) Close()     {}
func (f *fakeJournalRows) Err() error { return nil }
func (f *fakeJournalRows) Next() bool { f.idx++; return f.idx <= len(f.entries) }
func (f *fakeJournalRows) Scan(dest ...any) error {
	if f.scanErr != nil {
		return f.scanErr
	}
	e := f.entries[f.idx-1]
	*(dest[0].(*int64)) = e.Seq
	*(dest[1].(*string)) = e.Kind
	*(dest[2].(*json.RawMessage)) = e.Payload
	*(dest[3].(*time.Time)) = e.RecordedAt
	return nil
}
func (f *fakeJournalRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (f *fakeJournalRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (f *fakeJournalRows) Conn() *pgx.Conn                              { return nil }
func (f *fakeJournalRows) RawValues() [][]byte                          { return nil }
func (f *fakeJournalRows) Values() ([]any, error)                       { return nil, nil }

func TestAppendEncodesPayload(t *testing.T) {
	db := &fakeDB{}
	w := New(db)

	err := w.Append(context.Background(), KindAirlineFund, AirlineFund{Airline: "AA", Amount: 1000})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "INSERT INTO ledger_journal") {
		t.Fatalf("unexpected sql: %v", db.execSQL)
	}
	if db.execArgs[0][0] != KindAirlineFund {
		t.Fatalf("unexpected kind arg: %v", db.execArgs[0][0])
	}
	var p AirlineFund
	if err := json.Unmarshal(db.execArgs[0][1].([]byte), &p); err != nil {
		t.Fatalf("decode payload arg: %v", err)
	}
	if p.Airline != "AA" || p.Amount != 1000 {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestAppendNilWriterIsNoop(t *testing.T) {
	var w *Writer
	if err := w.Append(context.Background(), KindOpsSet, OpsSet{}); err != nil {
		t.Fatalf("nil writer append must be a no-op, got %v", err)
	}
	if err := w.Replay(context.Background(), func(Entry) error { return errors.New("boom") }); err != nil {
		t.Fatalf("nil writer replay must be a no-op, got %v", err)
	}
}

func TestAppendSurfacesExecError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("db down")}
	w := New(db)
	err := w.Append(context.Background(), KindPolicyBuy, PolicyBuy{Flight: "F1", Buyer: "bob", Amount: 100})
	if err == nil || !strings.Contains(err.Error(), "journal append policy.buy") {
		t.Fatalf("expected wrapped append error, got %v", err)
	}
}

func entryOf(t *testing.T, seq int64, kind string, payload any) Entry {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return Entry{Seq: seq, Kind: kind, Payload: raw, RecordedAt: time.Unix(seq, 0)}
}

func TestReplayOrderAndDecode(t *testing.T) {
	db := &fakeDB{rows: &fakeJournalRows{entries: []Entry{
		entryOf(t, 1, KindAirlineRegister, AirlineRegister{Airline: "AA", Name: "Alpha", Caller: "genesis"}),
		entryOf(t, 2, KindOracleRegister, OracleRegister{Oracle: "o1", Fee: 100, Indexes: [3]uint8{1, 2, 3}}),
		entryOf(t, 3, KindRoundOpen, RoundOpen{Index: 2, Flight: "F1", Timestamp: 1000, Requester: "alice"}),
	}}}
	w := New(db)

	var kinds []string
	err := w.Replay(context.Background(), func(e Entry) error {
		kinds = append(kinds, e.Kind)
		switch e.Kind {
		case KindOracleRegister:
			p, err := Decode[OracleRegister](e)
			if err != nil {
				return err
			}
			if p.Indexes != [3]uint8{1, 2, 3} {
				t.Fatalf("unexpected indexes: %v", p.Indexes)
			}
		case KindRoundOpen:
			p, err := Decode[RoundOpen](e)
			if err != nil {
				return err
			}
			if p.Index != 2 || p.Flight != "F1" {
				t.Fatalf("unexpected round payload: %+v", p)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	want := []string{KindAirlineRegister, KindOracleRegister, KindRoundOpen}
	for i, k := range want {
		if kinds[i] != k {
			t.Fatalf("replay out of order: %v", kinds)
		}
	}
}

func TestReplayStopsOnApplyError(t *testing.T) {
	db := &fakeDB{rows: &fakeJournalRows{entries: []Entry{
		entryOf(t, 1, KindAirlineRegister, AirlineRegister{Airline: "AA"}),
		entryOf(t, 2, KindAirlineFund, AirlineFund{Airline: "AA", Amount: 1000}),
	}}}
	w := New(db)

	applied := 0
	err := w.Replay(context.Background(), func(e Entry) error {
		applied++
		return errors.New("does not apply")
	})
	if err == nil || !strings.Contains(err.Error(), "entry 1") {
		t.Fatalf("expected replay to fail on first entry, got %v", err)
	}
	if applied != 1 {
		t.Fatalf("replay must stop after the failing entry, applied %d", applied)
	}
}

func TestReplaySurfacesQueryError(t *testing.T) {
	w := New(&fakeDB{queryErr: errors.New("no table")})
	err := w.Replay(context.Background(), func(Entry) error { return nil })
	if err == nil || !strings.Contains(err.Error(), "journal replay query") {
		t.Fatalf("expected wrapped query error, got %v", err)
	}
}

func TestDecodeRejectsMalformedPayload(t *testing.T) {
	e := Entry{Kind: KindPolicyBuy, Payload: json.RawMessage(`{"flight":`)}
	if _, err := Decode[PolicyBuy](e); err == nil {
		t.Fatal("expected decode error")
	}
}
