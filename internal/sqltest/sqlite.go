//go:build integration_test

package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// sqliteBusyTimeout is how long a connection waits for the file lock.
const sqliteBusyTimeout = 5 * time.Second

// SQLiteDSN returns the DSN of a SQLite file that is created on open.
func SQLiteDSN(path string) string {
	return fmt.Sprintf("file:%s?mode=rwc&_pragma=busy_timeout(%d)", path,
		sqliteBusyTimeout.Milliseconds())
}

// NewSQLiteDB opens a fresh SQLite file in the temporary directory of the
// test.  The directory, and the file with it, is removed by the testing
// package.
func NewSQLiteDB(t testing.TB) *sql.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(),
		"copaydtest_"+deterministicTestID(t)+".sqlite")

	db, err := sql.Open("sqlite", SQLiteDSN(path))
	require.NoError(t, err, "failed to open SQLite database")

	// SQLite locks the whole file, so keep a single writer.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		require.NoError(t, err, "failed to ping SQLite database")
	}

	t.Cleanup(func() {
		require.NoError(t, db.Close())
	})
	return db
}
