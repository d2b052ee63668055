// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// HistoryStore retrieves the change history of tokens. Rows are appended by
// the token store inside its mutation transactions; this store only reads.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a SQLite-backed history store.
func NewHistoryStore(db *DB) *HistoryStore {
	return &HistoryStore{db: db.DB()}
}

const historyColumns = `id, token, username, token_type, token_name, parent,
			scopes, service, expires, actor, action, old_token_name,
			old_scopes, old_expires, ip_address, event_time`

// ListTokenChanges returns one page of change history entries matching the
// filter, newest first. A nil cursor with limit 0 returns everything. The
// returned page carries cursors and the total match count for the Link and
// X-Total-Count headers.
func (s *HistoryStore) ListTokenChanges(
	ctx context.Context,
	filter history.TokenChangeFilter,
	cursor *history.Cursor,
	limit int,
) (*history.Paginated[history.TokenChangeEntry], error) {
	where, args, err := buildHistoryFilter(filter)
	if err != nil {
		return nil, err
	}

	var count int
	countQuery := `SELECT COUNT(*) FROM token_change_history` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return nil, fmt.Errorf("counting history: %w", err)
	}

	conds := where
	condArgs := args
	ascending := false
	if cursor != nil {
		var cursorCond string
		if cursor.Previous {
			// Entries strictly newer than the page the cursor came from.
			cursorCond = `(event_time > ? OR (event_time = ? AND id > ?))`
			ascending = true
		} else {
			// The cursor names the first entry of the requested page.
			cursorCond = `(event_time < ? OR (event_time = ? AND id <= ?))`
		}
		if conds == "" {
			conds = ` WHERE ` + cursorCond
		} else {
			conds += ` AND ` + cursorCond
		}
		condArgs = append(append([]any{}, condArgs...),
			cursor.Time.Unix(), cursor.Time.Unix(), cursor.ID)
	}

	query := `SELECT ` + historyColumns + ` FROM token_change_history` + conds
	if ascending {
		query += ` ORDER BY event_time ASC, id ASC`
	} else {
		query += ` ORDER BY event_time DESC, id DESC`
	}
	if limit > 0 {
		// One extra row detects whether another page exists.
		query += fmt.Sprintf(` LIMIT %d`, limit+1)
	}

	rows, err := s.db.QueryContext(ctx, query, condArgs...)
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []history.TokenChangeEntry
	for rows.Next() {
		entry, scanErr := scanTokenChange(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating history rows: %w", err)
	}

	page := &history.Paginated[history.TokenChangeEntry]{Count: count}
	if limit == 0 {
		page.Entries = entries
		return page, nil
	}

	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	if ascending {
		reverse(entries)
		if hasMore {
			first := entries[0]
			page.PrevCursor = &history.Cursor{
				Time: first.EventTime, ID: first.ID, Previous: true,
			}
		}
		// Paging forward from here resumes at the cursor's own position.
		page.NextCursor = &history.Cursor{Time: cursor.Time, ID: cursor.ID}
	} else {
		if hasMore {
			// The extra row is the first entry of the next page.
			rowsBeyond, scanErr := s.firstBeyond(ctx, conds, condArgs, limit)
			if scanErr != nil {
				return nil, scanErr
			}
			page.NextCursor = rowsBeyond
		}
		if cursor != nil && len(entries) > 0 {
			first := entries[0]
			page.PrevCursor = &history.Cursor{
				Time: first.EventTime, ID: first.ID, Previous: true,
			}
		}
	}
	page.Entries = entries
	return page, nil
}

// firstBeyond returns a cursor for the first entry of the page after the
// current one.
func (s *HistoryStore) firstBeyond(
	ctx context.Context, conds string, args []any, limit int,
) (*history.Cursor, error) {
	query := `SELECT event_time, id FROM token_change_history` + conds +
		fmt.Sprintf(` ORDER BY event_time DESC, id DESC LIMIT 1 OFFSET %d`, limit)
	var eventTime, id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&eventTime, &id); err != nil {
		return nil, fmt.Errorf("finding next cursor: %w", err)
	}
	return &history.Cursor{Time: time.Unix(eventTime, 0).UTC(), ID: id}, nil
}

// ListTokenChangesForToken returns all changes to one token in event order,
// optionally restricted to an owner.
func (s *HistoryStore) ListTokenChangesForToken(
	ctx context.Context, key, username string,
) ([]history.TokenChangeEntry, error) {
	query := `SELECT ` + historyColumns + ` FROM token_change_history WHERE token = ?`
	args := []any{key}
	if username != "" {
		query += ` AND username = ?`
		args = append(args, username)
	}
	query += ` ORDER BY event_time, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying token history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var entries []history.TokenChangeEntry
	for rows.Next() {
		entry, scanErr := scanTokenChange(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating token history rows: %w", err)
	}
	return entries, nil
}

func buildHistoryFilter(f history.TokenChangeFilter) (string, []any, error) {
	var conds []string
	var args []any
	if f.Username != "" {
		conds = append(conds, `username = ?`)
		args = append(args, f.Username)
	}
	if f.Actor != "" {
		conds = append(conds, `actor = ?`)
		args = append(args, f.Actor)
	}
	if f.Key != "" {
		conds = append(conds, `token = ?`)
		args = append(args, f.Key)
	}
	if f.TokenType != "" {
		conds = append(conds, `token_type = ?`)
		args = append(args, string(f.TokenType))
	}
	if f.Since != nil {
		conds = append(conds, `event_time >= ?`)
		args = append(args, f.Since.Unix())
	}
	if f.Until != nil {
		conds = append(conds, `event_time <= ?`)
		args = append(args, f.Until.Unix())
	}
	if f.IPOrCIDR != "" {
		cond, ipArgs, err := buildIPFilter(f.IPOrCIDR)
		if err != nil {
			return "", nil, err
		}
		conds = append(conds, cond)
		args = append(args, ipArgs...)
	}
	if len(conds) == 0 {
		return "", nil, nil
	}
	return ` WHERE ` + strings.Join(conds, ` AND `), args, nil
}

// buildIPFilter translates a single address or CIDR block into a SQL
// condition over the textual ip_address column. CIDR blocks are expanded to
// the covering set of octet-aligned prefixes, at most 128 patterns.
func buildIPFilter(ipOrCIDR string) (string, []any, error) {
	if addr, err := netip.ParseAddr(ipOrCIDR); err == nil {
		return `ip_address = ?`, []any{addr.String()}, nil
	}
	prefix, err := netip.ParsePrefix(ipOrCIDR)
	if err != nil {
		return "", nil, token.NewValidationError(
			token.TypeBadIPAddress,
			fmt.Sprintf("Invalid IP address or CIDR block: %s", ipOrCIDR),
			"query", "ip_address")
	}
	if !prefix.Addr().Is4() {
		return "", nil, token.NewValidationError(
			token.TypeBadIPAddress,
			"CIDR matching is only supported for IPv4 blocks",
			"query", "ip_address")
	}

	bits := prefix.Bits()
	boundary := ((bits + 7) / 8) * 8
	if boundary == 0 {
		boundary = 8
	}
	count := 1 << (boundary - bits)
	base := prefix.Masked().Addr().As4()
	step := uint32(1) << (32 - boundary)
	start := uint32(base[0])<<24 | uint32(base[1])<<16 | uint32(base[2])<<8 | uint32(base[3])

	var conds []string
	var args []any
	for i := 0; i < count; i++ {
		addr := start + uint32(i)*step
		octets := [4]byte{byte(addr >> 24), byte(addr >> 16), byte(addr >> 8), byte(addr)}
		if boundary == 32 {
			conds = append(conds, `ip_address = ?`)
			args = append(args, netip.AddrFrom4(octets).String())
		} else {
			parts := make([]string, boundary/8)
			for j := range parts {
				parts[j] = fmt.Sprintf("%d", octets[j])
			}
			conds = append(conds, `ip_address LIKE ?`)
			args = append(args, strings.Join(parts, ".")+".%")
		}
	}
	return `(` + strings.Join(conds, ` OR `) + `)`, args, nil
}

func scanTokenChange(sc scanner) (*history.TokenChangeEntry, error) {
	var (
		e          history.TokenChangeEntry
		tokType    string
		action     string
		name       sql.NullString
		parent     sql.NullString
		service    sql.NullString
		expires    sql.NullInt64
		oldName    sql.NullString
		oldScopes  sql.NullString
		oldExpires sql.NullInt64
		ipAddress  sql.NullString
		eventTime  int64
		scopes     string
	)
	err := sc.Scan(
		&e.ID, &e.Token, &e.Username, &tokType, &name, &parent,
		&scopes, &service, &expires, &e.Actor, &action, &oldName,
		&oldScopes, &oldExpires, &ipAddress, &eventTime,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning history row: %w", err)
	}
	e.Type = token.Type(tokType)
	e.Action = history.TokenChange(action)
	e.Name = name.String
	e.Parent = parent.String
	e.Service = service.String
	e.Scopes = splitScopes(scopes)
	e.IPAddress = ipAddress.String
	e.EventTime = time.Unix(eventTime, 0).UTC()
	if expires.Valid {
		t := time.Unix(expires.Int64, 0).UTC()
		e.Expires = &t
	}
	if oldName.Valid {
		e.OldName = &oldName.String
	}
	if oldScopes.Valid {
		e.OldScopes = splitScopes(oldScopes.String)
	}
	if oldExpires.Valid {
		t := time.Unix(oldExpires.Int64, 0).UTC()
		e.OldExpires = &t
	}
	return &e, nil
}

func reverse(entries []history.TokenChangeEntry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}
