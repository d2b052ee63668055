// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sqlite3 "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// TokenStore stores and manipulates token metadata in SQLite.
//
// Tokens exist both here and in Redis. Redis is the source of truth for
// validity; this store is canonical for user-given token names and for the
// parent/child relationships between tokens. Every mutation writes the
// matching change history row in the same transaction.
type TokenStore struct {
	wrapper *DB
	db      *sql.DB
}

// NewTokenStore creates a SQLite-backed token store.
func NewTokenStore(db *DB) *TokenStore {
	return &TokenStore{wrapper: db, db: db.DB()}
}

// tokenColumns is the SELECT column list shared by all token queries.
const tokenColumns = `token, username, token_type, token_name, scopes,
			service, parent, created, last_used, expires`

// Modifications describes an edit to a user token. Nil fields are left
// unchanged. NoExpire removes the expiration; it is separate from Expires
// because a nil Expires is ambiguous.
type Modifications struct {
	Name     *string
	Scopes   []string
	Expires  *time.Time
	NoExpire bool
}

// ChangeBuilder constructs the history entry recorded alongside a mutation.
// It runs inside the mutation's transaction.
type ChangeBuilder func(info *token.Info) *history.TokenChangeEntry

// EditChangeBuilder constructs the history entry for an edit, given the
// token's state before and after the change.
type EditChangeBuilder func(old, updated *token.Info) *history.TokenChangeEntry

// Add stores a new token and its create history entry. It returns
// storage.ErrAlreadyExists when the owner already has a live token with the
// same name, or when a concurrent writer won a derived-token dedup race.
func (s *TokenStore) Add(ctx context.Context, info *token.Info, change *history.TokenChangeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token (
			token, username, token_type, token_name, scopes,
			service, parent, created, expires
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Token,
		info.Username,
		string(info.Type),
		nullString(info.Name),
		joinScopes(info.Scopes),
		nullString(info.Service),
		nullString(info.Parent),
		info.Created.Unix(),
		nullTime(info.Expires),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("inserting token: %w", err)
	}

	if err := insertTokenChange(ctx, tx, change); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// GetInfo returns the metadata for a token key, or storage.ErrNotFound.
func (s *TokenStore) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM token WHERE token = ?`, key)
	return scanTokenInfo(row)
}

// GetInternalTokenKey returns the key of an existing internal child token
// for the given parent, service, and scope set, or storage.ErrNotFound.
func (s *TokenStore) GetInternalTokenKey(
	ctx context.Context, parentKey, service string, scopes []string,
) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM token
		WHERE parent = ? AND token_type = 'internal' AND service = ? AND scopes = ?`,
		parentKey, service, joinScopes(scopes),
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up internal token: %w", err)
	}
	return key, nil
}

// GetNotebookTokenKey returns the key of an existing notebook child token
// for the given parent, or storage.ErrNotFound.
func (s *TokenStore) GetNotebookTokenKey(ctx context.Context, parentKey string) (string, error) {
	var key string
	err := s.db.QueryRowContext(ctx, `
		SELECT token FROM token
		WHERE parent = ? AND token_type = 'notebook'`,
		parentKey,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", storage.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("looking up notebook token: %w", err)
	}
	return key, nil
}

// List returns token metadata, restricted to one user when username is
// non-empty, ordered by token key.
func (s *TokenStore) List(ctx context.Context, username string) ([]token.Info, error) {
	query := `SELECT ` + tokenColumns + ` FROM token`
	var args []any
	if username != "" {
		query += ` WHERE username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY token`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying tokens: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var infos []token.Info
	for rows.Next() {
		info, scanErr := scanTokenInfo(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		infos = append(infos, *info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token rows: %w", err)
	}
	return infos, nil
}

// Modify applies an edit to a token and records the history entry built by
// change from the before and after states, all in one transaction. Only the
// fields named in mods are touched. Returns storage.ErrNotFound for unknown
// keys and storage.ErrAlreadyExists on a token name conflict.
func (s *TokenStore) Modify(
	ctx context.Context, key string, mods Modifications, change EditChangeBuilder,
) (*token.Info, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	row := tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM token WHERE token = ?`, key)
	old, err := scanTokenInfo(row)
	if err != nil {
		return nil, err
	}

	updated := *old
	if mods.Name != nil {
		updated.Name = *mods.Name
	}
	if mods.Scopes != nil {
		updated.Scopes = mods.Scopes
	}
	if mods.NoExpire {
		updated.Expires = nil
	} else if mods.Expires != nil {
		updated.Expires = mods.Expires
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE token SET token_name = ?, scopes = ?, expires = ?
		WHERE token = ?`,
		nullString(updated.Name),
		joinScopes(updated.Scopes),
		nullTime(updated.Expires),
		key,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, storage.ErrAlreadyExists
		}
		return nil, fmt.Errorf("updating token: %w", err)
	}

	if err := insertTokenChange(ctx, tx, change(old, &updated)); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return &updated, nil
}

// DeleteWithChildren revokes a token and every descendant in a single
// transaction, recording a revoke history entry (built by change) for each.
// The deleted tokens are returned, deepest first, so the caller can purge
// the token store after commit. Returns storage.ErrNotFound when the root
// token does not exist.
func (s *TokenStore) DeleteWithChildren(
	ctx context.Context, key string, change ChangeBuilder,
) ([]token.Info, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	// Walk the parent/child graph from the root. The CTE yields parents
	// before children, so deletion iterates in reverse to satisfy the
	// foreign key.
	rows, err := tx.QueryContext(ctx, `
		WITH RECURSIVE descendants (token) AS (
			SELECT token FROM token WHERE token = ?
			UNION ALL
			SELECT t.token FROM token t
			JOIN descendants d ON t.parent = d.token
		)
		SELECT `+tokenColumns+` FROM token
		WHERE token IN (SELECT token FROM descendants)`,
		key,
	)
	if err != nil {
		return nil, fmt.Errorf("querying descendants: %w", err)
	}

	var doomed []token.Info
	rootFound := false
	for rows.Next() {
		info, scanErr := scanTokenInfo(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, scanErr
		}
		if info.Token == key {
			rootFound = true
		}
		doomed = append(doomed, *info)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating descendant rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing descendant rows: %w", err)
	}
	if !rootFound {
		return nil, storage.ErrNotFound
	}

	// Children first: reverse of the CTE's parent-first order.
	for i := len(doomed) - 1; i >= 0; i-- {
		info := doomed[i]
		if err := insertTokenChange(ctx, tx, change(&info)); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM token WHERE token = ?`, info.Token); err != nil {
			return nil, fmt.Errorf("deleting token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	// Deepest first for the caller's store purge.
	reversed := make([]token.Info, 0, len(doomed))
	for i := len(doomed) - 1; i >= 0; i-- {
		reversed = append(reversed, doomed[i])
	}
	return reversed, nil
}

// DeleteExpired removes every token whose expiration has passed, recording
// an expire history entry (built by change) for each, and returns the
// removed tokens. Children expire no later than their parents, so ordering
// by expiration then deleting children first within the transaction keeps
// the foreign key satisfied.
func (s *TokenStore) DeleteExpired(
	ctx context.Context, now time.Time, change ChangeBuilder,
) ([]token.Info, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx, `
		SELECT `+tokenColumns+` FROM token
		WHERE expires IS NOT NULL AND expires <= ?
		ORDER BY parent IS NULL, token`,
		now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying expired tokens: %w", err)
	}

	var expired []token.Info
	for rows.Next() {
		info, scanErr := scanTokenInfo(rows)
		if scanErr != nil {
			_ = rows.Close()
			return nil, scanErr
		}
		expired = append(expired, *info)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterating expired rows: %w", err)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("closing expired rows: %w", err)
	}

	for _, info := range expired {
		if err := insertTokenChange(ctx, tx, change(&info)); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM token WHERE token = ?`, info.Token); err != nil {
			return nil, fmt.Errorf("deleting expired token: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return expired, nil
}

// NameInUse reports whether the user already has a live token by that name.
func (s *TokenStore) NameInUse(ctx context.Context, username, name string) (bool, error) {
	var key string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM token WHERE username = ? AND token_name = ?`,
		username, name,
	).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking token name: %w", err)
	}
	return true, nil
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface{ Scan(dest ...any) error }

func scanTokenInfo(sc scanner) (*token.Info, error) {
	var (
		info     token.Info
		tokType  string
		name     sql.NullString
		service  sql.NullString
		parent   sql.NullString
		created  int64
		lastUsed sql.NullInt64
		expires  sql.NullInt64
		scopes   string
	)
	err := sc.Scan(
		&info.Token, &info.Username, &tokType, &name, &scopes,
		&service, &parent, &created, &lastUsed, &expires,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("scanning token row: %w", err)
	}
	info.Type = token.Type(tokType)
	info.Name = name.String
	info.Service = service.String
	info.Parent = parent.String
	info.Scopes = splitScopes(scopes)
	info.Created = time.Unix(created, 0).UTC()
	if lastUsed.Valid {
		t := time.Unix(lastUsed.Int64, 0).UTC()
		info.LastUsed = &t
	}
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		info.Expires = &t
	}
	return &info, nil
}

// insertTokenChange appends one change history row within a transaction.
func insertTokenChange(ctx context.Context, tx *sql.Tx, e *history.TokenChangeEntry) error {
	var oldScopes any
	if e.OldScopes != nil {
		oldScopes = joinScopes(e.OldScopes)
	}
	var oldName any
	if e.OldName != nil {
		oldName = *e.OldName
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO token_change_history (
			token, username, token_type, token_name, parent, scopes,
			service, expires, actor, action, old_token_name, old_scopes,
			old_expires, ip_address, event_time
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Token,
		e.Username,
		string(e.Type),
		nullString(e.Name),
		nullString(e.Parent),
		joinScopes(e.Scopes),
		nullString(e.Service),
		nullTime(e.Expires),
		e.Actor,
		string(e.Action),
		oldName,
		oldScopes,
		nullTime(e.OldExpires),
		nullString(e.IPAddress),
		e.EventTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("inserting change history: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

// isUniqueViolation checks for a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
