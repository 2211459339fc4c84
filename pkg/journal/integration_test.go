//go:build integration

package journal

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestJournalWithRealPostgres exercises Append and Replay against a real
// database with the production schema.
// Run with: go test -tags=integration -timeout 120s -run TestJournalWithRealPostgres ./pkg/journal/...
func TestJournalWithRealPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get connection string: %v", err)
	}
	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_ledger_journal.sql")
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	if _, err := pool.Exec(ctx, string(schema)); err != nil {
		t.Fatalf("apply schema: %v", err)
	}

	w := New(pool)
	appends := []struct {
		kind    string
		payload any
	}{
		{KindAirlineRegister, AirlineRegister{Airline: "AA", Name: "Alpha Air", Caller: "genesis"}},
		{KindAirlineFund, AirlineFund{Airline: "AA", Amount: 1000}},
		{KindFlightRegister, FlightRegister{Flight: "ND-1309", Airline: "AA", Timestamp: 1700000000}},
		{KindOracleRegister, OracleRegister{Oracle: "o1", Fee: 100, Indexes: [3]uint8{1, 4, 9}}},
		{KindRoundOpen, RoundOpen{Index: 4, Flight: "ND-1309", Timestamp: 1700000000, Requester: "alice"}},
	}
	for _, a := range appends {
		if err := w.Append(ctx, a.kind, a.payload); err != nil {
			t.Fatalf("append %s: %v", a.kind, err)
		}
	}

	var got []Entry
	err = w.Replay(ctx, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(got) != len(appends) {
		t.Fatalf("expected %d entries, got %d", len(appends), len(got))
	}
	for i, a := range appends {
		if got[i].Kind != a.kind {
			t.Fatalf("entry %d kind %q, want %q", i, got[i].Kind, a.kind)
		}
		if got[i].Seq <= 0 || (i > 0 && got[i].Seq <= got[i-1].Seq) {
			t.Fatalf("sequence not monotonic: %+v", got)
		}
	}
	oracle, err := Decode[OracleRegister](got[3])
	if err != nil {
		t.Fatalf("decode oracle entry: %v", err)
	}
	if oracle.Indexes != [3]uint8{1, 4, 9} {
		t.Fatalf("oracle indexes not preserved: %v", oracle.Indexes)
	}
}
