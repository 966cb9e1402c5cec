// Package test contains helpers for setting up databases in tests.
package test

import (
	"fmt"
	"os"
	"strings"
	"testing"

	"github.com/WebChangeDetector/webchangedetector-sub002/models/db"
	"github.com/WebChangeDetector/webchangedetector-sub002/setup"
	"github.com/stretchr/testify/require"
)

// SetUp returns stores backed by a fresh in-memory SQLite database, closed
// when the test ends.
func SetUp(t testing.TB) *setup.Stores {
	t.Helper()
	d, err := setup.DB(&setup.DatabaseURLConnector{URL: "sqlite::memory:"}, 1)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	stores, err := setup.PrepareAll(d)
	require.NoError(t, err)
	return stores
}

// SetUpPostgres connects to the Postgres database in DATABASE_URL, and skips
// the test if none is configured. All rows are deleted when the test ends.
func SetUpPostgres(t testing.TB) (*db.DB, *setup.Stores) {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if !strings.HasPrefix(url, "postgres") {
		t.Skip("DATABASE_URL does not point at Postgres, skipping")
	}
	d, err := setup.DB(&setup.DatabaseURLConnector{URL: url}, 10)
	require.NoError(t, err)
	stores, err := setup.PrepareAll(d)
	require.NoError(t, err)
	t.Cleanup(func() {
		TearDown(t, d)
		d.Close()
	})
	return d, stores
}

// TearDown deletes all records from the database, and marks the test as
// failed if this was unsuccessful.
func TearDown(t testing.TB, d *db.DB) {
	t.Helper()
	if err := TruncateTables(d); err != nil {
		t.Fatal(err)
	}
}

// Tables lists every table created by setup.PrepareAll.
var Tables = []string{"sync_jobs", "user_credentials"}

// TruncateTables deletes every row in Tables.
func TruncateTables(d *db.DB) error {
	for _, table := range Tables {
		if _, err := d.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
	}
	return nil
}
