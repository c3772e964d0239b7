// Package sqldb opens the SQL backends shared by the task, session and
// handoff stores and papers over the few dialect differences between them.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	_ "modernc.org/sqlite" // SQLite driver
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	SQLite   Dialect = "sqlite"
	Postgres Dialect = "postgres"
)

// Open connects to the backend named by driver ("sqlite" or "postgres").
// The caller is responsible for calling Close on the returned DB.
func Open(driver, dsn string) (*sql.DB, Dialect, error) {
	var d Dialect
	switch driver {
	case "sqlite", "sqlite3":
		d = SQLite
	case "postgres", "postgresql":
		d = Postgres
	default:
		return nil, "", fmt.Errorf("unsupported sql driver %q", driver)
	}
	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", d, err)
	}
	if d == SQLite {
		db.SetMaxOpenConns(1) // prevent SQLITE_BUSY
	}
	return db, d, nil
}

// Rebind rewrites '?' placeholders into the dialect's bind syntax.
func (d Dialect) Rebind(query string) string {
	if d != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Pick returns the variant of a statement for the dialect.
func (d Dialect) Pick(sqlite, postgres string) string {
	if d == Postgres {
		return postgres
	}
	return sqlite
}

// Migrate executes each schema statement in order.
func Migrate(ctx context.Context, db *sql.DB, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// NullTime converts an optional timestamp into a driver value.
func NullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// TimePtr converts a scanned sql.NullTime back into an optional timestamp.
func TimePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
