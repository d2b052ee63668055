// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// seedHistory adds n user tokens for username, one per second of event time,
// oldest first, and returns the token keys in creation order.
func seedHistory(t *testing.T, store *TokenStore, username string, n int, base time.Time) []string {
	t.Helper()
	keys := make([]string, 0, n)
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("%s%02dkey0000000000000000000000", username[:1], i)[:22]
		info := &token.Info{
			Token:    key,
			Username: username,
			Type:     token.TypeUser,
			Scopes:   []string{"read:all"},
			Created:  base.Add(time.Duration(i) * time.Second),
		}
		change := createChange(info)
		change.EventTime = info.Created
		require.NoError(t, store.Add(context.Background(), info, change))
		keys = append(keys, key)
	}
	return keys
}

func TestHistoryPagination(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tokenStore := NewTokenStore(db)
	historyStore := NewHistoryStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	keys := seedHistory(t, tokenStore, "rra", 7, base)

	// First page, newest first.
	page, err := historyStore.ListTokenChanges(ctx, history.TokenChangeFilter{}, nil, 3)
	require.NoError(t, err)
	assert.Equal(t, 7, page.Count)
	require.Len(t, page.Entries, 3)
	assert.Equal(t, keys[6], page.Entries[0].Token)
	assert.Equal(t, keys[4], page.Entries[2].Token)
	assert.Nil(t, page.PrevCursor)
	require.NotNil(t, page.NextCursor)

	// Second page resumes where the first left off.
	second, err := historyStore.ListTokenChanges(ctx, history.TokenChangeFilter{}, page.NextCursor, 3)
	require.NoError(t, err)
	require.Len(t, second.Entries, 3)
	assert.Equal(t, keys[3], second.Entries[0].Token)
	assert.Equal(t, keys[1], second.Entries[2].Token)
	require.NotNil(t, second.PrevCursor)
	assert.True(t, second.PrevCursor.Previous)
	require.NotNil(t, second.NextCursor)

	// Last page is short and has no next.
	last, err := historyStore.ListTokenChanges(ctx, history.TokenChangeFilter{}, second.NextCursor, 3)
	require.NoError(t, err)
	require.Len(t, last.Entries, 1)
	assert.Equal(t, keys[0], last.Entries[0].Token)
	assert.Nil(t, last.NextCursor)

	// Paging backwards from the second page reproduces the first page.
	prev, err := historyStore.ListTokenChanges(ctx, history.TokenChangeFilter{}, second.PrevCursor, 3)
	require.NoError(t, err)
	require.Len(t, prev.Entries, 3)
	assert.Equal(t, keys[6], prev.Entries[0].Token)
	assert.Equal(t, keys[4], prev.Entries[2].Token)
}

func TestHistoryUnpaginated(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tokenStore := NewTokenStore(db)
	historyStore := NewHistoryStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedHistory(t, tokenStore, "rra", 5, base)

	page, err := historyStore.ListTokenChanges(ctx, history.TokenChangeFilter{}, nil, 0)
	require.NoError(t, err)
	assert.Len(t, page.Entries, 5)
	assert.Equal(t, 5, page.Count)
	assert.Nil(t, page.NextCursor)
	assert.Nil(t, page.PrevCursor)
}

func TestHistoryFilters(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tokenStore := NewTokenStore(db)
	historyStore := NewHistoryStore(db)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	seedHistory(t, tokenStore, "rra", 3, base)
	seedHistory(t, tokenStore, "wic", 2, base.Add(time.Minute))

	t.Run("username", func(t *testing.T) {
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{Username: "wic"}, nil, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 2)
	})

	t.Run("token type", func(t *testing.T) {
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{TokenType: token.TypeSession}, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})

	t.Run("time window", func(t *testing.T) {
		since := base.Add(time.Second)
		until := base.Add(2 * time.Second)
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{Since: &since, Until: &until}, nil, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 2)
	})

	t.Run("exact ip", func(t *testing.T) {
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "192.0.2.1"}, nil, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 5)
	})

	t.Run("cidr block", func(t *testing.T) {
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "192.0.2.0/24"}, nil, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 5)

		page, err = historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "10.0.0.0/8"}, nil, 0)
		require.NoError(t, err)
		assert.Empty(t, page.Entries)
	})

	t.Run("non octet aligned cidr", func(t *testing.T) {
		page, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "192.0.2.0/31"}, nil, 0)
		require.NoError(t, err)
		assert.Len(t, page.Entries, 5)
	})

	t.Run("invalid ip", func(t *testing.T) {
		_, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "not-an-address"}, nil, 0)
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadIPAddress, verr.Type)
	})

	t.Run("ipv6 cidr rejected", func(t *testing.T) {
		_, err := historyStore.ListTokenChanges(ctx,
			history.TokenChangeFilter{IPOrCIDR: "2001:db8::/32"}, nil, 0)
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadIPAddress, verr.Type)
	})
}

func TestHistoryForToken(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	tokenStore := NewTokenStore(db)
	historyStore := NewHistoryStore(db)
	ctx := context.Background()

	info := newInfo("userkey000000000000001", "rra", token.TypeUser)
	info.Name = "laptop"
	require.NoError(t, tokenStore.Add(ctx, info, createChange(info)))

	edit := func(old, updated *token.Info) *history.TokenChangeEntry {
		e := createChange(updated)
		e.Action = history.TokenChangeEdit
		e.OldName = &old.Name
		e.EventTime = e.EventTime.Add(time.Second)
		return e
	}
	newName := "desktop"
	_, err := tokenStore.Modify(ctx, info.Token, Modifications{Name: &newName}, edit)
	require.NoError(t, err)

	entries, err := historyStore.ListTokenChangesForToken(ctx, info.Token, "")
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, history.TokenChangeCreate, entries[0].Action)
	assert.Equal(t, history.TokenChangeEdit, entries[1].Action)
	require.NotNil(t, entries[1].OldName)
	assert.Equal(t, "laptop", *entries[1].OldName)

	// Restricted to a different owner finds nothing.
	entries, err = historyStore.ListTokenChangesForToken(ctx, info.Token, "wic")
	require.NoError(t, err)
	assert.Empty(t, entries)
}
