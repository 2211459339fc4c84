package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// stubDB stands in for the pgx pool. Applied migrations are looked up
// by filename; everything else records the SQL it was handed.
type stubDB struct {
	execs     []string
	execErr   error
	applied   map[string]bool
	lookupErr error
	beginErr  error
	tx        *stubTx
}

func (d *stubDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	d.execs = append(d.execs, sql)
	if d.execErr != nil {
		return pgconn.CommandTag{}, d.execErr
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (d *stubDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if d.lookupErr != nil {
		return stubRow{err: d.lookupErr}
	}
	name, _ := args[0].(string)
	return stubRow{exists: d.applied[name]}
}

func (d *stubDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if d.beginErr != nil {
		return nil, d.beginErr
	}
	if d.tx == nil {
		d.tx = &stubTx{}
	}
	return d.tx, nil
}

type stubRow struct {
	exists bool
	err    error
}

func (r stubRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("expected a single EXISTS column")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool destination")
	}
	*b = r.exists
	return nil
}

// stubTx records statements. failOn makes the first statement containing
// that substring error out, which is how the apply and mark failures are
// provoked separately.
type stubTx struct {
	statements []string
	failOn     string
	commitErr  error
	rollbacks  int
}

func (t *stubTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	recorded := sql
	for _, arg := range args {
		recorded += fmt.Sprintf(" %v", arg)
	}
	t.statements = append(t.statements, recorded)
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("statement rejected")
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (t *stubTx) Commit(ctx context.Context) error { return t.commitErr }
func (t *stubTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
}
func (t *stubTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *stubTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *stubTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *stubTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *stubTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *stubTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *stubTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return stubRow{err: errors.New("not implemented")}
}
func (t *stubTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	t.Parallel()

	clean, err := validateMigrationPath("migrations", "migrations/001_ledger_journal.sql")
	if err != nil {
		t.Fatalf("valid path rejected: %v", err)
	}
	if clean != filepath.Clean("migrations/001_ledger_journal.sql") {
		t.Fatalf("unexpected clean path: %s", clean)
	}
	if _, err := validateMigrationPath("migrations", "migrations/../../etc/passwd"); err == nil {
		t.Fatal("traversal out of the migrations dir must be rejected")
	}
	if _, err := validateMigrationPath("migrations", "seeds/001_ledger_journal.sql"); err == nil {
		t.Fatal("sibling directory must be rejected")
	}
}

// TestRunMigrationsAppliesLedgerJournal runs the real migration files
// from the repository against the stub, so the journal DDL the gateway
// depends on is what actually gets executed.
func TestRunMigrationsAppliesLedgerJournal(t *testing.T) {
	db := &stubDB{}
	err := runMigrations(context.Background(), db, "../../migrations", nil, nil, func(string, ...any) {})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if len(db.execs) == 0 || !strings.Contains(db.execs[0], "schema_migrations") {
		t.Fatalf("bookkeeping table must be created first, got %#v", db.execs)
	}
	if db.tx == nil {
		t.Fatal("no transaction begun for the journal migration")
	}
	joined := strings.Join(db.tx.statements, "\n")
	if !strings.Contains(joined, "ledger_journal") {
		t.Fatalf("journal DDL not applied:\n%s", joined)
	}
	if !strings.Contains(joined, "ledger_journal_kind_idx") {
		t.Fatalf("kind index not applied:\n%s", joined)
	}
	if !strings.Contains(joined, "001_ledger_journal.sql") {
		t.Fatalf("migration not marked applied:\n%s", joined)
	}
}

func TestRunMigrationsSkipsApplied(t *testing.T) {
	db := &stubDB{applied: map[string]bool{"001_ledger_journal.sql": true}}
	reads := 0
	readFile := func(name string) ([]byte, error) {
		reads++
		return []byte("SELECT 1;"), nil
	}
	err := runMigrations(context.Background(), db, "../../migrations", readFile, nil, func(string, ...any) {})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	if reads != 0 {
		t.Fatalf("applied migration must not be re-read, got %d reads", reads)
	}
	if db.tx != nil {
		t.Fatal("applied migration must not open a transaction")
	}
}

func TestRunMigrationsFailures(t *testing.T) {
	oneFile := func(pattern string) ([]string, error) {
		return []string{"migrations/001_ledger_journal.sql"}, nil
	}
	readOK := func(name string) ([]byte, error) {
		return []byte("CREATE TABLE IF NOT EXISTS ledger_journal ();"), nil
	}

	t.Run("nil db", func(t *testing.T) {
		if err := runMigrations(context.Background(), nil, "migrations", nil, nil, nil); err == nil {
			t.Fatal("nil db must fail")
		}
	})

	t.Run("bookkeeping table", func(t *testing.T) {
		db := &stubDB{execErr: errors.New("down")}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "create schema_migrations") {
			t.Fatalf("expected schema_migrations error, got %v", err)
		}
	})

	t.Run("glob", func(t *testing.T) {
		db := &stubDB{}
		glob := func(string) ([]string, error) { return nil, errors.New("fs gone") }
		err := runMigrations(context.Background(), db, "migrations", readOK, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "glob migrations") {
			t.Fatalf("expected glob error, got %v", err)
		}
	})

	t.Run("escaped path", func(t *testing.T) {
		db := &stubDB{}
		glob := func(string) ([]string, error) { return []string{"../evil.sql"}, nil }
		err := runMigrations(context.Background(), db, "migrations", readOK, glob, nil)
		if err == nil || !strings.Contains(err.Error(), "invalid migration path") {
			t.Fatalf("expected path error, got %v", err)
		}
	})

	t.Run("lookup", func(t *testing.T) {
		db := &stubDB{lookupErr: errors.New("no row")}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "migration lookup") {
			t.Fatalf("expected lookup error, got %v", err)
		}
	})

	t.Run("read", func(t *testing.T) {
		db := &stubDB{}
		readFile := func(string) ([]byte, error) { return nil, errors.New("io") }
		err := runMigrations(context.Background(), db, "migrations", readFile, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "read migration") {
			t.Fatalf("expected read error, got %v", err)
		}
	})

	t.Run("begin", func(t *testing.T) {
		db := &stubDB{beginErr: errors.New("pool closed")}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "begin migration tx") {
			t.Fatalf("expected begin error, got %v", err)
		}
	})

	t.Run("apply rolls back", func(t *testing.T) {
		db := &stubDB{tx: &stubTx{failOn: "ledger_journal"}}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "apply migration") {
			t.Fatalf("expected apply error, got %v", err)
		}
		if db.tx.rollbacks != 1 {
			t.Fatalf("expected one rollback, got %d", db.tx.rollbacks)
		}
	})

	t.Run("mark rolls back", func(t *testing.T) {
		db := &stubDB{tx: &stubTx{failOn: "schema_migrations"}}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "mark migration") {
			t.Fatalf("expected mark error, got %v", err)
		}
		if db.tx.rollbacks != 1 {
			t.Fatalf("expected one rollback, got %d", db.tx.rollbacks)
		}
	})

	t.Run("commit", func(t *testing.T) {
		db := &stubDB{tx: &stubTx{commitErr: errors.New("deadlock")}}
		err := runMigrations(context.Background(), db, "migrations", readOK, oneFile, nil)
		if err == nil || !strings.Contains(err.Error(), "commit migration") {
			t.Fatalf("expected commit error, got %v", err)
		}
	})
}
