// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
)

func adminEntry(username string, action history.AdminChange) *history.AdminChangeEntry {
	return &history.AdminChangeEntry{
		Username:  username,
		Action:    action,
		Actor:     "admin",
		IPAddress: "192.0.2.1",
		EventTime: time.Now().UTC().Truncate(time.Second),
	}
}

func TestAdminStore(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store := NewAdminStore(db)
	ctx := context.Background()

	admins, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, admins)

	require.NoError(t, store.Add(ctx, adminEntry("rra", history.AdminChangeAdd)))
	require.NoError(t, store.Add(ctx, adminEntry("wic", history.AdminChangeAdd)))

	err = store.Add(ctx, adminEntry("rra", history.AdminChangeAdd))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	admins, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rra", "wic"}, admins)

	isAdmin, err := store.Contains(ctx, "rra")
	require.NoError(t, err)
	assert.True(t, isAdmin)
	isAdmin, err = store.Contains(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, isAdmin)

	require.NoError(t, store.Delete(ctx, adminEntry("wic", history.AdminChangeRemove)))
	err = store.Delete(ctx, adminEntry("wic", history.AdminChangeRemove))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestAdminBootstrap(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	store := NewAdminStore(db)
	ctx := context.Background()

	entries := []*history.AdminChangeEntry{
		adminEntry("rra", history.AdminChangeAdd),
		adminEntry("wic", history.AdminChangeAdd),
	}
	require.NoError(t, store.Bootstrap(ctx, entries))

	admins, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rra", "wic"}, admins)

	// A populated table is left alone so removals survive restarts.
	require.NoError(t, store.Delete(ctx, adminEntry("wic", history.AdminChangeRemove)))
	require.NoError(t, store.Bootstrap(ctx, entries))
	admins, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"rra"}, admins)
}
