// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package walletstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lightningnetwork/lnd/clock"

	// Register the pgx driver under name "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"

	// Register the SQLite driver under name "sqlite".
	_ "modernc.org/sqlite"
)

// Dialect names a supported SQL database.
type Dialect string

// Supported SQL dialects.
const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// driverName returns the database/sql driver registered for d.
func (d Dialect) driverName() (string, error) {
	switch d {
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported sql dialect %q", string(d))
	}
}

// schema returns the table definition for d.
func (d Dialect) schema() string {
	blob := "BLOB"
	if d == DialectPostgres {
		blob = "BYTEA"
	}
	return `
		CREATE TABLE IF NOT EXISTS wallets (
			id TEXT PRIMARY KEY,
			data ` + blob + ` NOT NULL,
			updated_at BIGINT NOT NULL
		);`
}

// Statements shared by both dialects.
const (
	upsertWalletSQL = `
		INSERT INTO wallets (id, data, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET
			data = excluded.data,
			updated_at = excluded.updated_at;`
	selectWalletSQL = `SELECT data FROM wallets WHERE id = $1`
	listWalletsSQL  = `SELECT id FROM wallets ORDER BY id`
)

// SQLBackend is a Backend stored in a PostgreSQL or SQLite database.
type SQLBackend struct {
	db    *sql.DB
	clock clock.Clock

	// ownDB is set when the backend opened db itself and must close it.
	ownDB bool
}

var _ Backend = (*SQLBackend)(nil)

// OpenSQL connects to the database at dsn and creates the wallet table when
// missing.
func OpenSQL(ctx context.Context, dialect Dialect,
	dsn string) (*SQLBackend, error) {

	driver, err := dialect.driverName()
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	b, err := NewSQL(ctx, dialect, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	b.ownDB = true
	return b, nil
}

// NewSQL wraps an open database.  The caller keeps ownership of db.
func NewSQL(ctx context.Context, dialect Dialect,
	db *sql.DB) (*SQLBackend, error) {

	if _, err := dialect.driverName(); err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, dialect.schema()); err != nil {
		return nil, fmt.Errorf("create wallets table: %w", err)
	}
	return &SQLBackend{db: db, clock: clock.NewDefaultClock()}, nil
}

// Fetch returns the record of walletID.
func (b *SQLBackend) Fetch(ctx context.Context,
	walletID string) ([]byte, error) {

	var data []byte
	row := b.db.QueryRowContext(ctx, selectWalletSQL, walletID)
	switch err := row.Scan(&data); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}
	return data, nil
}

// Put creates or replaces the record of walletID.
func (b *SQLBackend) Put(ctx context.Context, walletID string,
	data []byte) error {

	_, err := b.db.ExecContext(ctx, upsertWalletSQL, walletID, data,
		b.clock.Now().Unix())
	return err
}

// List returns the stored wallet ids in lexical order.
func (b *SQLBackend) List(ctx context.Context) ([]string, error) {
	rows, err := b.db.QueryContext(ctx, listWalletsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database when the backend opened it.
func (b *SQLBackend) Close() error {
	if !b.ownDB {
		return nil
	}
	return b.db.Close()
}
