// Package dialect bridges the SQL differences between the two index
// backends, SQLite and Postgres, as small fragment helpers.
package dialect

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Driver names as registered with database/sql.
const (
	SQLite3 = "sqlite3"
	PGX     = "pgx"
)

// IsPostgres reports whether the driver is the Postgres (pgx) backend.
func IsPostgres(driver string) bool {
	return driver == PGX
}

// BoolToInt converts a boolean for storage in an integer column.
func BoolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// InsertReturningID executes an INSERT and returns the generated id:
// RETURNING id on Postgres, LastInsertId on SQLite.
func InsertReturningID(ctx context.Context, db *sqlx.DB, query string, args ...any) (int64, error) {
	if IsPostgres(db.DriverName()) {
		var id int64
		err := db.QueryRowContext(ctx, db.Rebind(query+" RETURNING id"), args...).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert returning id: %w", err)
		}
		return id, nil
	}

	result, err := db.ExecContext(ctx, db.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// Like returns the case-insensitive LIKE operator: ILIKE on Postgres,
// plain LIKE on SQLite (ASCII case-insensitive by default).
func Like(driver string) string {
	if IsPostgres(driver) {
		return "ILIKE"
	}
	return "LIKE"
}

// JSONExtract returns the fragment extracting a JSON field as text:
// json_extract(col, '$.path') on SQLite, col::jsonb->>'path' on Postgres.
func JSONExtract(driver, col, path string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("%s::jsonb->>'%s'", col, path)
	}
	return fmt.Sprintf("json_extract(%s, '$.%s')", col, path)
}

// JSONExtractIsNotNull returns the fragment testing that a JSON field is
// present and non-null.
func JSONExtractIsNotNull(driver, col, path string) string {
	return JSONExtract(driver, col, path) + " IS NOT NULL"
}

// Now returns the current-timestamp expression.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "NOW()"
	}
	return "datetime('now')"
}

// NowMinusHours returns the expression for the current time minus
// hoursExpr hours, where hoursExpr is a literal or column.
func NowMinusHours(driver, hoursExpr string) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("NOW() - (%s || ' hours')::interval", hoursExpr)
	}
	return fmt.Sprintf("datetime('now', '-' || %s || ' hours')", hoursExpr)
}
