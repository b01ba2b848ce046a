//go:build integration_test

package sqltest

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PostgresDSNEnv names the environment variable holding the admin DSN of
// an existing PostgreSQL server.  When it is unset a container is started.
const PostgresDSNEnv = "COPAYD_TEST_POSTGRES_DSN"

const (
	postgresImage   = "postgres:16-alpine"
	postgresStartup = 2 * time.Minute
	maxTestConns    = 5
)

var (
	pgOnce     sync.Once
	pgAdminDSN string
	pgErr      error

	// pgContainer is kept alive for the whole test binary.
	pgContainer *postgres.PostgresContainer
)

// adminDSN returns the DSN of the shared server, starting the container on
// first use.
func adminDSN(t testing.TB) string {
	t.Helper()

	pgOnce.Do(func() {
		if dsn := os.Getenv(PostgresDSNEnv); dsn != "" {
			pgAdminDSN = dsn
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(),
			postgresStartup)
		defer cancel()

		pgContainer, pgErr = postgres.Run(ctx, postgresImage,
			postgres.WithDatabase("copayd"),
			postgres.WithUsername("postgres"),
			postgres.WithPassword("postgres"),
			postgres.BasicWaitStrategies(),
		)
		if pgErr != nil {
			return
		}
		pgAdminDSN, pgErr = pgContainer.ConnectionString(ctx,
			"sslmode=disable")
	})
	require.NoError(t, pgErr, "postgres unavailable")

	return pgAdminDSN
}

// withAdmin runs f on a short lived admin connection.
func withAdmin(ctx context.Context, dsn string, f func(*sql.DB) error) error {
	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer admin.Close()

	if err := admin.PingContext(ctx); err != nil {
		return err
	}
	return f(admin)
}

// NewPostgresDB creates a database for the test on the shared server and
// drops it again on cleanup.
func NewPostgresDB(t testing.TB) *sql.DB {
	t.Helper()

	dsn := adminDSN(t)
	name := "copayd_test_" + deterministicTestID(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	err := withAdmin(ctx, dsn, func(admin *sql.DB) error {
		// A crashed earlier run may have left the database behind.
		stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s WITH (FORCE)",
			name)
		if _, err := admin.ExecContext(ctx, stmt); err != nil {
			return err
		}
		_, err := admin.ExecContext(ctx, "CREATE DATABASE "+name)
		return err
	})
	require.NoError(t, err, "failed to create test database")

	testDSN, err := withDBName(dsn, name)
	require.NoError(t, err)

	db, err := sql.Open("pgx", testDSN)
	require.NoError(t, err, "failed to open test database")
	db.SetMaxOpenConns(maxTestConns)
	db.SetMaxIdleConns(maxTestConns)
	db.SetConnMaxIdleTime(30 * time.Second)

	t.Cleanup(func() {
		_ = db.Close()

		ctx, cancel := context.WithTimeout(context.Background(),
			30*time.Second)
		defer cancel()

		_ = withAdmin(ctx, dsn, func(admin *sql.DB) error {
			stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s "+
				"WITH (FORCE)", name)
			_, err := admin.ExecContext(ctx, stmt)
			return err
		})
	})
	return db
}

// withDBName points a postgres:// DSN at dbName.
func withDBName(dsn, dbName string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse DSN: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}
