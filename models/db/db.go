// Definitions of database objects, and logic for connecting to the database.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Dialect is the SQL flavor spoken by a connection.
type Dialect string

const Postgres = Dialect("postgres")
const SQLite = Dialect("sqlite")

// DB is a database handle that knows its dialect. Queries in the models
// packages are written with "?" placeholders and rebound before preparing.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// Connector establishes a connection to a database, with the given number
// of connections.
type Connector interface {
	Connect(dbConns int) (*DB, error)
}

// Rebind rewrites "?" placeholders into the dialect's native form.
func (d *DB) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
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

// Prepare rebinds query and prepares it.
func (d *DB) Prepare(query string) (*sql.Stmt, error) {
	return d.DB.Prepare(d.Rebind(query))
}

// ParseURL splits a DATABASE_URL into a driver name and a DSN. postgres://
// and postgresql:// URLs use lib/pq, sqlite: URLs use modernc.org/sqlite.
func ParseURL(url string) (Dialect, string, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return Postgres, url, nil
	case strings.HasPrefix(url, "sqlite://"):
		return SQLite, strings.TrimPrefix(url, "sqlite://"), nil
	case strings.HasPrefix(url, "sqlite:"):
		return SQLite, strings.TrimPrefix(url, "sqlite:"), nil
	case url == "":
		return "", "", errors.New("db: empty database url")
	default:
		return "", "", fmt.Errorf("db: unsupported database url scheme in %q", url)
	}
}

// IsUniqueViolation returns true if err was caused by a unique constraint.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			// extended result codes are off
			return strings.Contains(liteErr.Error(), "UNIQUE")
		}
	}
	return false
}
