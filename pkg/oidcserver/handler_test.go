// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package oidcserver

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	redisstore "github.com/lsst-sqre/gafaelfawr/pkg/storage/redis"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

type oidcHarness struct {
	handler *Handler
	tokens  *tokens.Manager
	cookies *session.Manager
	issuer  *Issuer
}

func newOIDCHarness(t *testing.T) *oidcHarness {
	t.Helper()

	cfg := &config.Config{
		Realm:       "example.com",
		KnownScopes: map[string]string{"read:all": "Can read everything"},
		Issuer:      *testIssuerConfig(),
		OIDCClients: []config.OIDCClient{
			{ID: "client-1", Secret: "client-1-secret",
				RedirectURI: "https://example.com/callback"},
		},
	}

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	envKey := make([]byte, crypto.KeySize)
	_, err := rand.Read(envKey)
	require.NoError(t, err)
	envelope, err := crypto.NewEnvelope([][]byte{envKey})
	require.NoError(t, err)
	store := redisstore.NewTokenStoreWithClient(client, envelope)

	db, err := sqlite.Open(context.Background(),
		"sqlite://"+filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	manager := tokens.NewManager(cfg, store,
		sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db))

	keyPEM, err := keys.Generate()
	require.NoError(t, err)
	signingKey, err := keys.Parse(keyPEM)
	require.NoError(t, err)
	issuer := NewIssuer(&cfg.Issuer, signingKey)

	cookies := session.NewManager(envelope)
	codes := NewCodeStore(client, envelope)
	return &oidcHarness{
		handler: NewHandler(cfg, manager, cookies, codes, issuer),
		tokens:  manager,
		cookies: cookies,
		issuer:  issuer,
	}
}

// loggedInRequest builds a GET request carrying a live session cookie.
func (h *oidcHarness) loggedInRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	info := token.UserInfo{Username: "rra", Name: "Russ Allbery", UID: 4510}
	tok, err := h.tokens.CreateSessionToken(context.Background(), info,
		[]string{"read:all"}, "192.0.2.1")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	require.NoError(t, h.cookies.Write(w, &session.State{Token: tok.String()}))
	r := httptest.NewRequest(http.MethodGet, target, nil)
	r.Host = "example.com"
	r.AddCookie(w.Result().Cookies()[0])
	return r
}

// authorize runs the authorization endpoint and returns the code from the
// redirect.
func (h *oidcHarness) authorize(t *testing.T) string {
	t.Helper()
	r := h.loggedInRequest(t,
		"/auth/openid/login?client_id=client-1&redirect_uri=https%3A%2F%2Fexample.com%2Fcallback&response_type=code&scope=openid&state=xyzzy")
	w := httptest.NewRecorder()
	h.handler.Authorize(w, r)
	require.Equal(t, http.StatusTemporaryRedirect, w.Code)

	target, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	code := target.Query().Get("code")
	require.NotEmpty(t, code)
	assert.Equal(t, "xyzzy", target.Query().Get("state"))
	return code
}

// redeem posts to the token endpoint with the given form overrides.
func (h *oidcHarness) redeem(t *testing.T, overrides map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"client-1"},
		"client_secret": {"client-1-secret"},
		"code":          {""},
		"redirect_uri":  {"https://example.com/callback"},
	}
	for k, v := range overrides {
		if v == "" {
			form.Del(k)
		} else {
			form.Set(k, v)
		}
	}
	r := httptest.NewRequest(http.MethodPost, "/auth/openid/token",
		strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.handler.Token(w, r)
	return w
}

func TestAuthorizeRedirectsToLogin(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)
	r := httptest.NewRequest(http.MethodGet,
		"/auth/openid/login?client_id=client-1&redirect_uri=https%3A%2F%2Fexample.com%2Fcallback", nil)
	r.Host = "example.com"
	w := httptest.NewRecorder()
	h.handler.Authorize(w, r)

	assert.Equal(t, http.StatusTemporaryRedirect, w.Code)
	location := w.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "/login?rd="))
	assert.Contains(t, location, url.QueryEscape("/auth/openid/login"))
}

func TestAuthorizeValidation(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)

	t.Run("missing parameters", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/openid/login", nil)
		w := httptest.NewRecorder()
		h.handler.Authorize(w, r)
		assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	})

	t.Run("unknown client", func(t *testing.T) {
		r := h.loggedInRequest(t,
			"/auth/openid/login?client_id=nope&redirect_uri=https%3A%2F%2Fexample.com%2Fcallback")
		w := httptest.NewRecorder()
		h.handler.Authorize(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(),
			"Unknown client_id nope in OpenID Connect request")
	})

	t.Run("foreign redirect host", func(t *testing.T) {
		r := h.loggedInRequest(t,
			"/auth/openid/login?client_id=client-1&redirect_uri=https%3A%2F%2Fevil.com%2Fcallback")
		w := httptest.NewRecorder()
		h.handler.Authorize(w, r)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "URL is not at example.com")
	})
}

func TestAuthorizeProtocolErrors(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)
	base := "/auth/openid/login?client_id=client-1&redirect_uri=https%3A%2F%2Fexample.com%2Fcallback"

	tests := []struct {
		name  string
		query string
		msg   string
	}{
		{"missing response_type", "", "Missing response_type parameter"},
		{"bad response_type", "&response_type=token", "code is the only supported response_type"},
		{"missing scope", "&response_type=code", "Missing scope parameter"},
		{"bad scope", "&response_type=code&scope=profile", "openid is the only supported scope"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := h.loggedInRequest(t, base+tt.query)
			w := httptest.NewRecorder()
			h.handler.Authorize(w, r)

			// Protocol errors after client validation go back via redirect.
			require.Equal(t, http.StatusTemporaryRedirect, w.Code)
			target, err := url.Parse(w.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "invalid_request", target.Query().Get("error"))
			assert.Equal(t, tt.msg, target.Query().Get("error_description"))
		})
	}
}

func TestTokenFlow(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)
	code := h.authorize(t)

	w := h.redeem(t, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "no-store", w.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", w.Header().Get("Pragma"))

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Bearer", body["token_type"])
	assert.Equal(t, body["access_token"], body["id_token"])
	assert.Equal(t, float64(h.issuer.Lifetime().Seconds()), body["expires_in"])

	verified, err := h.issuer.Verify(body["id_token"].(string))
	require.NoError(t, err)
	sub, ok := verified.Subject()
	require.True(t, ok)
	assert.Equal(t, "rra", sub)

	parsedCode, err := ParseCode(code)
	require.NoError(t, err)
	var jti string
	require.NoError(t, verified.Get("jti", &jti))
	assert.Equal(t, parsedCode.Key, jti)

	// The code is single use.
	w = h.redeem(t, map[string]string{"code": code})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	var errBody map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errBody))
	assert.Equal(t, "invalid_grant", errBody["error"])
	assert.Equal(t, "Invalid authorization code", errBody["error_description"])
}

func TestTokenErrors(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)
	code := h.authorize(t)

	tests := []struct {
		name        string
		overrides   map[string]string
		errCode     string
		description string
	}{
		{
			"missing parameters",
			map[string]string{"code": "", "grant_type": ""},
			"invalid_request", "Invalid token request",
		},
		{
			"bad grant type",
			map[string]string{"code": code, "grant_type": "password"},
			"unsupported_grant_type", "Invalid grant type password",
		},
		{
			"unparseable code",
			map[string]string{"code": "not-a-code"},
			"invalid_grant", "Invalid authorization code",
		},
		{
			"no client secret",
			map[string]string{"code": code, "client_secret": ""},
			"invalid_client", "No client_secret provided",
		},
		{
			"unknown client",
			map[string]string{"code": code, "client_id": "nope"},
			"invalid_client", "Unknown client ID nope",
		},
		{
			"wrong secret",
			map[string]string{"code": code, "client_secret": "wrong"},
			"invalid_client", "Invalid secret for client-1",
		},
		{
			"unknown code",
			map[string]string{"code": "gc-aaaaaaaaaaaaaaaaaaaaaa.bbbbbbbbbbbbbbbbbbbbbb"},
			"invalid_grant", "Invalid authorization code",
		},
		{
			"mismatched redirect uri",
			map[string]string{"code": code, "redirect_uri": "https://example.com/other"},
			"invalid_grant", "Invalid authorization code",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.redeem(t, tt.overrides)
			require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.errCode, body["error"])
			assert.Equal(t, tt.description, body["error_description"])
		})
	}
}

func TestUserInfo(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)
	code := h.authorize(t)
	w := h.redeem(t, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	idToken := body["id_token"].(string)

	r := httptest.NewRequest(http.MethodGet, "/auth/openid/userinfo", nil)
	r.Header.Set("Authorization", "Bearer "+idToken)
	w = httptest.NewRecorder()
	h.handler.UserInfo(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &claims))
	assert.Equal(t, "rra", claims["sub"])
	assert.Equal(t, "rra", claims["preferred_username"])

	t.Run("no credential", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/openid/userinfo", nil)
		w := httptest.NewRecorder()
		h.handler.UserInfo(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, `bearer realm="example.com"`, w.Header().Get("WWW-Authenticate"))
	})

	t.Run("invalid jwt", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/auth/openid/userinfo", nil)
		r.Header.Set("Authorization", "Bearer not.a.jwt")
		w := httptest.NewRecorder()
		h.handler.UserInfo(w, r)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
	})
}

func TestDiscovery(t *testing.T) {
	t.Parallel()

	h := newOIDCHarness(t)

	r := httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil)
	w := httptest.NewRecorder()
	h.handler.Configuration(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Equal(t, "https://example.com", doc["issuer"])
	assert.Equal(t, "https://example.com/auth/openid/token", doc["token_endpoint"])
	assert.Equal(t, []any{"code"}, doc["response_types_supported"])
	assert.Equal(t, []any{"RS256"}, doc["id_token_signing_alg_values_supported"])

	r = httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	w = httptest.NewRecorder()
	h.handler.JWKS(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	var jwks struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &jwks))
	require.Len(t, jwks.Keys, 1)
	assert.Equal(t, "RS256", jwks.Keys[0]["alg"])
	assert.Equal(t, "RSA", jwks.Keys[0]["kty"])
}
