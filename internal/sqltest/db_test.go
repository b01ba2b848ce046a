//go:build integration_test

package sqltest

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// Statements that run unchanged on PostgreSQL and SQLite.
const (
	createTableSQL = `
		CREATE TABLE IF NOT EXISTS copayers (
			id TEXT PRIMARY KEY,
			nickname TEXT NOT NULL
		);`
	insertSQL     = `INSERT INTO copayers (id, nickname) VALUES ($1, $2);`
	selectSQL     = `SELECT id, nickname FROM copayers ORDER BY id`
	selectByIDSQL = `SELECT nickname FROM copayers WHERE id = $1`
	countSQL      = `SELECT COUNT(*) FROM copayers`
)

// TestDatabaseIsolation checks that parallel subtests each see an empty
// database of their own.
func TestDatabaseIsolation(t *testing.T) {
	RunDatabaseTest(t, func(t *testing.T, dialect string,
		dbFactory DBFactory) {

		require.Contains(t, []string{DialectPostgres, DialectSQLite},
			dialect)

		for i := range 3 {
			t.Run(fmt.Sprintf("db%d", i), func(t *testing.T) {
				t.Parallel()

				db := dbFactory(t)
				_, err := db.Exec(createTableSQL)
				require.NoError(t, err)

				err = db.QueryRow(selectSQL).Scan()
				require.ErrorIs(t, err, sql.ErrNoRows)

				for j := range 5 {
					_, err = db.Exec(insertSQL,
						fmt.Sprintf("copayer%d", j), "nick")
					require.NoError(t, err)
				}

				var count int
				err = db.QueryRow(countSQL).Scan(&count)
				require.NoError(t, err)
				require.Equal(t, 5, count)
			})
		}
	})
}

// TestDatabaseQueries checks positional placeholders on both dialects.
func TestDatabaseQueries(t *testing.T) {
	RunDatabaseTest(t, func(t *testing.T, _ string, dbFactory DBFactory) {
		db := dbFactory(t)
		_, err := db.Exec(createTableSQL)
		require.NoError(t, err)

		copayers := map[string]string{
			"02aa": "alice",
			"03bb": "bob",
		}
		for id, nick := range copayers {
			_, err := db.Exec(insertSQL, id, nick)
			require.NoError(t, err)
		}

		for id, nick := range copayers {
			var got string
			err := db.QueryRow(selectByIDSQL, id).Scan(&got)
			require.NoError(t, err)
			require.Equal(t, nick, got)
		}

		_, err = db.Exec(insertSQL, "02aa", "mallory")
		require.Error(t, err, "duplicate id must be rejected")
	})
}
