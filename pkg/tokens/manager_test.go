// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package tokens

import (
	"context"
	"crypto/rand"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/history"
	redisstore "github.com/lsst-sqre/gafaelfawr/pkg/storage/redis"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func testConfig() *config.Config {
	return &config.Config{
		Realm: "example.com",
		KnownScopes: map[string]string{
			"admin:token":   "Can administer tokens",
			"exec:notebook": "Can use the notebook",
			"read:all":      "Can read everything",
			"user:token":    "Can create and modify user tokens",
		},
		Issuer: config.Issuer{ExpMinutes: 1380},
	}
}

func newTestManager(t *testing.T) (*Manager, *sqlite.HistoryStore) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	key := make([]byte, crypto.KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	envelope, err := crypto.NewEnvelope([][]byte{key})
	require.NoError(t, err)
	store := redisstore.NewTokenStoreWithClient(client, envelope)

	db, err := sqlite.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	historyStore := sqlite.NewHistoryStore(db)
	manager := NewManager(testConfig(), store, sqlite.NewTokenStore(db), historyStore)
	return manager, historyStore
}

func userInfo() token.UserInfo {
	return token.UserInfo{
		Username: "rra",
		Name:     "Russ Allbery",
		Email:    "rra@example.com",
		UID:      4510,
		Groups:   []token.Group{{Name: "g_admins", ID: 1000}},
	}
}

func sessionData(t *testing.T, m *Manager, scopes []string) *token.Data {
	t.Helper()
	ctx := context.Background()
	tok, err := m.CreateSessionToken(ctx, userInfo(), scopes, "192.0.2.1")
	require.NoError(t, err)
	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	return data
}

func TestCreateSessionToken(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()

	tok, err := m.CreateSessionToken(ctx, userInfo(),
		[]string{"user:token", "read:all"}, "192.0.2.1")
	require.NoError(t, err)

	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, "rra", data.Username)
	assert.Equal(t, token.TypeSession, data.Type)
	assert.Equal(t, []string{"read:all", "user:token"}, data.Scopes)
	require.NotNil(t, data.Expires)
	assert.Equal(t, data.Created.Add(23*time.Hour).Unix(), data.Expires.Unix())

	info, err := m.GetTokenInfoUnchecked(ctx, tok.Key, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, token.TypeSession, info.Type)

	// A forged secret resolves to nothing, without error.
	forged := token.Token{Key: tok.Key, Secret: "AAAAAAAAAAAAAAAAAAAAAA"}
	data, err = m.GetData(ctx, forged)
	require.NoError(t, err)
	assert.Nil(t, data)

	_, err = m.CreateSessionToken(ctx, token.UserInfo{Username: "Not Valid"},
		nil, "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
}

func TestCreateUserToken(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	auth := sessionData(t, m, []string{"read:all", "user:token"})

	expires := token.CurrentTime().Add(24 * time.Hour)
	tok, err := m.CreateUserToken(ctx, auth, "rra", "laptop",
		[]string{"read:all"}, &expires, "192.0.2.1")
	require.NoError(t, err)

	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeUser, data.Type)
	assert.Equal(t, []string{"read:all"}, data.Scopes)

	info, err := m.GetTokenInfoUnchecked(ctx, tok.Key, "rra")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "laptop", info.Name)

	t.Run("wrong user", func(t *testing.T) {
		_, err := m.CreateUserToken(ctx, auth, "wic", "laptop", nil, nil, "192.0.2.1")
		assert.ErrorIs(t, err, token.ErrPermissionDenied)
	})

	t.Run("duplicate name", func(t *testing.T) {
		_, err := m.CreateUserToken(ctx, auth, "rra", "laptop", nil, nil, "192.0.2.1")
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeDuplicateTokenName, verr.Type)
	})

	t.Run("scopes broader than session", func(t *testing.T) {
		_, err := m.CreateUserToken(ctx, auth, "rra", "other",
			[]string{"admin:token"}, nil, "192.0.2.1")
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadScopes, verr.Type)
	})

	t.Run("unknown scope", func(t *testing.T) {
		broad := sessionData(t, m, []string{"read:all", "user:token"})
		broad.Scopes = append(broad.Scopes, "bogus:scope")
		_, err := m.CreateUserToken(ctx, broad, "rra", "other",
			[]string{"bogus:scope"}, nil, "192.0.2.1")
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadScopes, verr.Type)
	})

	t.Run("expiration boundary", func(t *testing.T) {
		tooSoon := time.Now().Add(MinimumLifetime - time.Second)
		_, err := m.CreateUserToken(ctx, auth, "rra", "soon", nil, &tooSoon, "192.0.2.1")
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadExpires, verr.Type)

		longEnough := time.Now().Add(MinimumLifetime + time.Minute)
		_, err = m.CreateUserToken(ctx, auth, "rra", "soon", nil, &longEnough, "192.0.2.1")
		assert.NoError(t, err)
	})
}

func TestCreateTokenFromAdminRequest(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	admin := sessionData(t, m, []string{"admin:token"})

	req := &AdminTokenRequest{
		Username: "tap",
		Type:     token.TypeService,
		Scopes:   []string{"read:all"},
	}
	tok, err := m.CreateTokenFromAdminRequest(ctx, req, admin, "192.0.2.1")
	require.NoError(t, err)

	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeService, data.Type)
	assert.Equal(t, "tap", data.Username)
	assert.Nil(t, data.Expires)

	t.Run("requires admin scope", func(t *testing.T) {
		plain := sessionData(t, m, []string{"read:all"})
		_, err := m.CreateTokenFromAdminRequest(ctx, req, plain, "192.0.2.1")
		assert.ErrorIs(t, err, token.ErrPermissionDenied)
	})

	t.Run("rejects derived types", func(t *testing.T) {
		bad := &AdminTokenRequest{Username: "tap", Type: token.TypeNotebook}
		_, err := m.CreateTokenFromAdminRequest(ctx, bad, admin, "192.0.2.1")
		assert.ErrorIs(t, err, token.ErrPermissionDenied)
	})

	t.Run("user type requires name", func(t *testing.T) {
		bad := &AdminTokenRequest{Username: "rra", Type: token.TypeUser}
		_, err := m.CreateTokenFromAdminRequest(ctx, bad, admin, "192.0.2.1")
		verr, ok := token.AsValidationError(err)
		require.True(t, ok)
		assert.Equal(t, token.TypeBadTokenName, verr.Type)
	})
}

func TestNotebookTokenIdempotent(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	session := sessionData(t, m, []string{"exec:notebook", "read:all"})

	first, err := m.GetNotebookToken(ctx, session, "192.0.2.1")
	require.NoError(t, err)
	second, err := m.GetNotebookToken(ctx, session, "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	data, err := m.GetData(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeNotebook, data.Type)
	assert.Equal(t, session.Scopes, data.Scopes)
	// The child's expiration is capped at the parent's.
	require.NotNil(t, data.Expires)
	assert.False(t, data.Expires.After(*session.Expires))
}

func TestInternalToken(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	session := sessionData(t, m, []string{"exec:notebook", "read:all"})

	first, err := m.GetInternalToken(ctx, session, "tap", []string{"read:all"}, "192.0.2.1")
	require.NoError(t, err)
	second, err := m.GetInternalToken(ctx, session, "tap", []string{"read:all"}, "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, first.Equal(second))

	// A different scope set or service yields a different token.
	other, err := m.GetInternalToken(ctx, session, "tap", []string{}, "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, first.Equal(other))

	data, err := m.GetData(ctx, first)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeInternal, data.Type)
	assert.Equal(t, []string{"read:all"}, data.Scopes)

	info, err := m.GetTokenInfoUnchecked(ctx, first.Key, "")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "tap", info.Service)
	assert.Equal(t, session.Token.Key, info.Parent)

	// Scopes not held by the parent are refused.
	_, err = m.GetInternalToken(ctx, session, "tap", []string{"admin:token"}, "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
}

func TestModifyToken(t *testing.T) {
	t.Parallel()

	m, historyStore := newTestManager(t)
	ctx := context.Background()
	auth := sessionData(t, m, []string{"read:all", "user:token"})

	tok, err := m.CreateUserToken(ctx, auth, "rra", "laptop",
		[]string{"read:all"}, nil, "192.0.2.1")
	require.NoError(t, err)

	newName := "desktop"
	info, err := m.ModifyToken(ctx, tok.Key, auth, "", "192.0.2.1",
		sqlite.Modifications{Name: &newName})
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "desktop", info.Name)

	expires := token.CurrentTime().Add(time.Hour)
	info, err = m.ModifyToken(ctx, tok.Key, auth, "", "192.0.2.1",
		sqlite.Modifications{Expires: &expires})
	require.NoError(t, err)
	require.NotNil(t, info.Expires)

	// The expiration change propagates to the token store TTL source.
	data, err := m.GetData(ctx, tok)
	require.NoError(t, err)
	require.NotNil(t, data)
	require.NotNil(t, data.Expires)
	assert.Equal(t, expires.Unix(), data.Expires.Unix())

	// History records one entry per change with old value snapshots.
	entries, err := historyStore.ListTokenChangesForToken(ctx, tok.Key, "rra")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, history.TokenChangeCreate, entries[0].Action)
	assert.Equal(t, history.TokenChangeEdit, entries[1].Action)
	require.NotNil(t, entries[1].OldName)
	assert.Equal(t, "laptop", *entries[1].OldName)
	assert.Nil(t, entries[1].OldExpires)
	assert.Equal(t, history.TokenChangeEdit, entries[2].Action)
	assert.Nil(t, entries[2].OldName)

	t.Run("unknown token", func(t *testing.T) {
		info, err := m.ModifyToken(ctx, "nosuchkey0000000000000", auth, "",
			"192.0.2.1", sqlite.Modifications{Name: &newName})
		require.NoError(t, err)
		assert.Nil(t, info)
	})

	t.Run("session tokens are immutable", func(t *testing.T) {
		_, err := m.ModifyToken(ctx, auth.Token.Key, auth, "", "192.0.2.1",
			sqlite.Modifications{Name: &newName})
		assert.ErrorIs(t, err, token.ErrPermissionDenied)
	})
}

func TestDeleteTokenCascades(t *testing.T) {
	t.Parallel()

	m, historyStore := newTestManager(t)
	ctx := context.Background()
	session := sessionData(t, m, []string{"exec:notebook", "read:all"})

	notebook, err := m.GetNotebookToken(ctx, session, "192.0.2.1")
	require.NoError(t, err)
	notebookData, err := m.GetData(ctx, notebook)
	require.NoError(t, err)
	internal, err := m.GetInternalToken(ctx, notebookData, "tap",
		[]string{"read:all"}, "192.0.2.1")
	require.NoError(t, err)

	ok, err := m.DeleteToken(ctx, session.Token.Key, session, "", "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, ok)

	// The whole subtree is gone from both backends.
	for _, tok := range []token.Token{session.Token, notebook, internal} {
		data, err := m.GetData(ctx, tok)
		require.NoError(t, err)
		assert.Nil(t, data)
		info, err := m.GetTokenInfoUnchecked(ctx, tok.Key, "")
		require.NoError(t, err)
		assert.Nil(t, info)
	}

	// Each deleted token has a revoke history entry.
	for _, tok := range []token.Token{session.Token, notebook, internal} {
		entries, err := historyStore.ListTokenChangesForToken(ctx, tok.Key, "")
		require.NoError(t, err)
		require.NotEmpty(t, entries)
		assert.Equal(t, history.TokenChangeRevoke, entries[len(entries)-1].Action)
	}

	ok, err = m.DeleteToken(ctx, session.Token.Key, session, "", "192.0.2.1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteTokenPermissions(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	owner := sessionData(t, m, []string{"read:all", "user:token"})

	other := token.UserInfo{Username: "wic", UID: 4511}
	otherTok, err := m.CreateSessionToken(ctx, other, []string{"read:all"}, "192.0.2.1")
	require.NoError(t, err)
	otherData, err := m.GetData(ctx, otherTok)
	require.NoError(t, err)

	_, err = m.DeleteToken(ctx, owner.Token.Key, otherData, "", "192.0.2.1")
	assert.ErrorIs(t, err, token.ErrPermissionDenied)

	// An admin can revoke anyone's token.
	admin := sessionData(t, m, []string{"admin:token"})
	ok, err := m.DeleteToken(ctx, otherTok.Key, admin, "", "192.0.2.1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetChangeHistoryACL(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	ctx := context.Background()
	plain := sessionData(t, m, []string{"read:all"})

	// Without admin:token, only the caller's own history is visible.
	_, err := m.GetChangeHistory(ctx, plain, history.TokenChangeFilter{}, "", 10)
	assert.ErrorIs(t, err, token.ErrPermissionDenied)
	_, err = m.GetChangeHistory(ctx, plain,
		history.TokenChangeFilter{Username: "wic"}, "", 10)
	assert.ErrorIs(t, err, token.ErrPermissionDenied)

	page, err := m.GetChangeHistory(ctx, plain,
		history.TokenChangeFilter{Username: "rra"}, "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, page.Entries)

	admin := sessionData(t, m, []string{"admin:token"})
	page, err = m.GetChangeHistory(ctx, admin, history.TokenChangeFilter{}, "", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, page.Entries)

	_, err = m.GetChangeHistory(ctx, admin, history.TokenChangeFilter{}, "bogus", 10)
	verr, ok := token.AsValidationError(err)
	require.True(t, ok)
	assert.Equal(t, token.TypeBadCursor, verr.Type)
}

func TestExpireTokens(t *testing.T) {
	t.Parallel()

	m, historyStore := newTestManager(t)
	ctx := context.Background()
	auth := sessionData(t, m, []string{"read:all", "user:token"})

	expires := time.Now().Add(MinimumLifetime + time.Second).UTC().Truncate(time.Second)
	tok, err := m.CreateUserToken(ctx, auth, "rra", "ephemeral",
		[]string{"read:all"}, &expires, "192.0.2.1")
	require.NoError(t, err)

	// Nothing has expired yet; the sweep is a no-op.
	require.NoError(t, m.ExpireTokens(ctx))
	info, err := m.GetTokenInfoUnchecked(ctx, tok.Key, "")
	require.NoError(t, err)
	assert.NotNil(t, info)

	// Rewind the row's expiration into the past and sweep again.
	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	_, err = m.db.Modify(ctx, tok.Key, sqlite.Modifications{Expires: &past},
		func(old, updated *token.Info) *history.TokenChangeEntry {
			return &history.TokenChangeEntry{
				Token: tok.Key, Username: "rra", Type: token.TypeUser,
				Scopes: updated.Scopes, Actor: "rra",
				Action: history.TokenChangeEdit, EventTime: token.CurrentTime(),
			}
		})
	require.NoError(t, err)

	require.NoError(t, m.ExpireTokens(ctx))
	info, err = m.GetTokenInfoUnchecked(ctx, tok.Key, "")
	require.NoError(t, err)
	assert.Nil(t, info)

	entries, err := historyStore.ListTokenChangesForToken(ctx, tok.Key, "")
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	assert.Equal(t, history.TokenChangeExpire, last.Action)
	assert.Empty(t, last.IPAddress)
}
