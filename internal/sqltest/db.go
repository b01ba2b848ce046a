//go:build integration_test

// Package sqltest opens isolated PostgreSQL and SQLite databases for
// integration tests.
package sqltest

import (
	"database/sql"
	"fmt"
	"hash/fnv"
	"testing"

	"github.com/stretchr/testify/require"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

// DBFactory opens a fresh database for one test and registers its cleanup.
type DBFactory func(t testing.TB) *sql.DB

// Dialect names passed to a DBTestFunc.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DBTestFunc runs against one database dialect.  The dialect lets the test
// pick dialect specific schema.
type DBTestFunc func(t *testing.T, dialect string, dbFactory DBFactory)

// RunDatabaseTest runs testFunc against PostgreSQL and SQLite, each case on
// its own fresh database and in parallel.
func RunDatabaseTest(t *testing.T, testFunc DBTestFunc) {
	t.Helper()

	testCases := []struct {
		name      string
		dialect   string
		dbFactory DBFactory
	}{
		{
			name:      "Postgres",
			dialect:   DialectPostgres,
			dbFactory: NewPostgresDB,
		},
		{
			name:      "SQLite",
			dialect:   DialectSQLite,
			dbFactory: NewSQLiteDB,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			testFunc(t, tc.dialect, tc.dbFactory)
		})
	}
}

// deterministicTestID hashes the test name into a short database name
// suffix.  Names stay stable across runs so test caching keeps working.
func deterministicTestID(t testing.TB) string {
	t.Helper()
	h := fnv.New32a()
	_, err := h.Write([]byte(t.Name()))
	require.NoError(t, err)

	hashed := fmt.Sprintf("%08x", h.Sum32())
	t.Logf("db name hash: %s", hashed)
	return hashed
}
