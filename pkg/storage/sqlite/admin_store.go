// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

// AdminStore stores the persistent admin allow-list and its change history.
type AdminStore struct {
	db *sql.DB
}

// NewAdminStore creates a SQLite-backed admin store.
func NewAdminStore(db *DB) *AdminStore {
	return &AdminStore{db: db.DB()}
}

// Add inserts an admin and records the change. Returns
// storage.ErrAlreadyExists when the user is already an admin.
func (s *AdminStore) Add(ctx context.Context, entry *history.AdminChangeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO admin (username) VALUES (?)`, entry.Username); err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting admin: %w", err)
	}
	if err := insertAdminChange(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Delete removes an admin and records the change. Returns
// storage.ErrNotFound when the user is not an admin.
func (s *AdminStore) Delete(ctx context.Context, entry *history.AdminChangeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	res, err := tx.ExecContext(ctx,
		`DELETE FROM admin WHERE username = ?`, entry.Username)
	if err != nil {
		return fmt.Errorf("deleting admin: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	if err := insertAdminChange(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// List returns all admin usernames in order.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT username FROM admin ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("querying admins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("scanning admin row: %w", err)
		}
		admins = append(admins, username)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating admin rows: %w", err)
	}
	return admins, nil
}

// Contains reports whether the user is an admin.
func (s *AdminStore) Contains(ctx context.Context, username string) (bool, error) {
	var found string
	err := s.db.QueryRowContext(ctx,
		`SELECT username FROM admin WHERE username = ?`, username).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking admin: %w", err)
	}
	return true, nil
}

// Bootstrap seeds the admin table from configuration if and only if it is
// empty, recording each seed with the given entries. A non-empty table is
// left untouched so removals survive restarts.
func (s *AdminStore) Bootstrap(ctx context.Context, entries []*history.AdminChangeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin`).Scan(&count); err != nil {
		return fmt.Errorf("counting admins: %w", err)
	}
	if count > 0 {
		return nil
	}

	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO admin (username) VALUES (?)`, entry.Username); err != nil {
			return fmt.Errorf("seeding admin: %w", err)
		}
		if err := insertAdminChange(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func insertAdminChange(ctx context.Context, tx *sql.Tx, e *history.AdminChangeEntry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO admin_history (username, action, actor, ip_address, event_time)
		VALUES (?, ?, ?, ?, ?)`,
		e.Username, string(e.Action), e.Actor, e.IPAddress, e.EventTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting admin history: %w", err)
	}
	return nil
}
