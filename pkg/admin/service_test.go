// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package admin

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := sqlite.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewService(sqlite.NewAdminStore(db))
}

func adminAuth() *token.Data {
	return &token.Data{
		UserInfo: token.UserInfo{Username: "rra"},
		Type:     token.TypeSession,
		Scopes:   []string{AdminScope},
	}
}

func plainAuth() *token.Data {
	return &token.Data{
		UserInfo: token.UserInfo{Username: "wic"},
		Type:     token.TypeSession,
		Scopes:   []string{"read:all"},
	}
}

func TestAdminLifecycle(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	auth := adminAuth()

	require.NoError(t, s.Add(ctx, "wic", auth, "192.0.2.1"))
	// Adding an existing admin is idempotent.
	require.NoError(t, s.Add(ctx, "wic", auth, "192.0.2.1"))

	admins, err := s.List(ctx, auth)
	require.NoError(t, err)
	assert.Equal(t, []string{"wic"}, admins)

	isAdmin, err := s.IsAdmin(ctx, "wic")
	require.NoError(t, err)
	assert.True(t, isAdmin)

	require.NoError(t, s.Delete(ctx, "wic", auth, "192.0.2.1"))
	err = s.Delete(ctx, "wic", auth, "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrNotFound)

	isAdmin, err = s.IsAdmin(ctx, "wic")
	require.NoError(t, err)
	assert.False(t, isAdmin)
}

func TestAdminRequiresScope(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()
	auth := plainAuth()

	_, err := s.List(ctx, auth)
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
	err = s.Add(ctx, "someone", auth, "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
	err = s.Delete(ctx, "someone", auth, "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
}

func TestAdminAddValidation(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	err := s.Add(context.Background(), "Not A User", adminAuth(), "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
}

func TestAdminBootstrap(t *testing.T) {
	t.Parallel()

	s := newTestService(t)
	ctx := context.Background()

	require.NoError(t, s.Bootstrap(ctx, []string{"rra", "wic"}))
	admins, err := s.List(ctx, adminAuth())
	require.NoError(t, err)
	assert.Equal(t, []string{"rra", "wic"}, admins)

	// Bootstrapping again does not resurrect removed admins.
	require.NoError(t, s.Delete(ctx, "wic", adminAuth(), "192.0.2.1"))
	require.NoError(t, s.Bootstrap(ctx, []string{"rra", "wic"}))
	admins, err = s.List(ctx, adminAuth())
	require.NoError(t, err)
	assert.Equal(t, []string{"rra"}, admins)
}
