package dialect_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/relaydev/relay/internal/db"
	"github.com/relaydev/relay/internal/db/dialect"
)

func TestIsPostgres(t *testing.T) {
	if !dialect.IsPostgres(dialect.PGX) {
		t.Error("expected pgx to be postgres")
	}
	if dialect.IsPostgres(dialect.SQLite3) {
		t.Error("expected sqlite3 to not be postgres")
	}
}

func TestBoolToInt(t *testing.T) {
	if dialect.BoolToInt(true) != 1 {
		t.Error("expected 1 for true")
	}
	if dialect.BoolToInt(false) != 0 {
		t.Error("expected 0 for false")
	}
}

func TestJSONExtract(t *testing.T) {
	got := dialect.JSONExtract(dialect.SQLite3, "raw", "version")
	if got != "json_extract(raw, '$.version')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.JSONExtract(dialect.PGX, "raw", "version")
	if got != "raw::jsonb->>'version'" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestJSONExtractIsNotNull(t *testing.T) {
	got := dialect.JSONExtractIsNotNull(dialect.SQLite3, "raw", "toolUseResult")
	if got != "json_extract(raw, '$.toolUseResult') IS NOT NULL" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.JSONExtractIsNotNull(dialect.PGX, "raw", "toolUseResult")
	if got != "raw::jsonb->>'toolUseResult' IS NOT NULL" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestNow(t *testing.T) {
	if dialect.Now(dialect.SQLite3) != "datetime('now')" {
		t.Errorf("sqlite: got %q", dialect.Now(dialect.SQLite3))
	}
	if dialect.Now(dialect.PGX) != "NOW()" {
		t.Errorf("pgx: got %q", dialect.Now(dialect.PGX))
	}
}

func TestNowMinusHours(t *testing.T) {
	got := dialect.NowMinusHours(dialect.SQLite3, "24")
	if got != "datetime('now', '-' || 24 || ' hours')" {
		t.Errorf("sqlite: got %q", got)
	}
	got = dialect.NowMinusHours(dialect.PGX, "24")
	if got != "NOW() - (24 || ' hours')::interval" {
		t.Errorf("pgx: got %q", got)
	}
}

func TestLike(t *testing.T) {
	if dialect.Like(dialect.SQLite3) != "LIKE" {
		t.Errorf("sqlite: got %q", dialect.Like(dialect.SQLite3))
	}
	if dialect.Like(dialect.PGX) != "ILIKE" {
		t.Errorf("pgx: got %q", dialect.Like(dialect.PGX))
	}
}

func TestInsertReturningID_SQLite(t *testing.T) {
	tmpDir := t.TempDir()
	rawDB, err := db.OpenSQLite(filepath.Join(tmpDir, "test.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlxDB := sqlx.NewDb(rawDB, dialect.SQLite3)
	t.Cleanup(func() { _ = sqlxDB.Close() })

	_, err = sqlxDB.Exec(`CREATE TABLE test_insert (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)`)
	if err != nil {
		t.Fatalf("create table: %v", err)
	}

	id, err := dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO test_insert (name) VALUES (?)`, "hello")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 1 {
		t.Errorf("expected id 1, got %d", id)
	}

	id, err = dialect.InsertReturningID(context.Background(), sqlxDB, `INSERT INTO test_insert (name) VALUES (?)`, "world")
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	if id != 2 {
		t.Errorf("expected id 2, got %d", id)
	}
}
