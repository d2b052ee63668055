// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package sqlite implements the durable token database: token metadata, the
// append-only change history, and the admin allow-list.
//
// All mutations run in a transaction that also writes the matching history
// row; if the history write fails the token write is rolled back. Reads are
// not transactional.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	// Pure-Go SQLite driver.
	_ "modernc.org/sqlite"
)

// DB wraps the sql.DB handle and owns schema migrations.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database at the given URL and applies any
// pending migrations. URLs of the form sqlite:///path are accepted as well
// as bare paths.
func Open(ctx context.Context, databaseURL string) (*DB, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// modernc's sqlite driver does not serialize writers; a single
	// connection avoids SQLITE_BUSY under concurrent transactions.
	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db}, nil
}

// DB returns the underlying sql.DB handle.
func (d *DB) DB() *sql.DB {
	return d.db
}

// Close closes the underlying database connection.
func (d *DB) Close() error {
	return d.db.Close()
}

// rollback rolls back tx, ignoring errors (tx may already be committed).
func rollback(tx *sql.Tx) { _ = tx.Rollback() }

// joinScopes serializes a scope set for storage: sorted, comma-separated,
// empty string for the empty set.
func joinScopes(scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// splitScopes is the inverse of joinScopes.
func splitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}
