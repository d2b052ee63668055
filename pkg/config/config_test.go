// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package config

import (
	"crypto/rand"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func sessionKeys(t *testing.T, count int) string {
	t.Helper()
	lines := make([]string, 0, count)
	for range count {
		key := make([]byte, 32)
		_, err := rand.Read(key)
		require.NoError(t, err)
		lines = append(lines, base64.StdEncoding.EncodeToString(key))
	}
	return strings.Join(lines, "\n") + "\n"
}

func TestLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	secretPath := writeFile(t, dir, "session-secret", sessionKeys(t, 2))
	bootstrapPath := writeFile(t, dir, "bootstrap-token",
		"gt-aaaaaaaaaaaaaaaaaaaaaa.bbbbbbbbbbbbbbbbbbbbbb\n")
	githubSecretPath := writeFile(t, dir, "github-secret", "github-secret-value\n")
	clientsPath := writeFile(t, dir, "oidc-clients", `[
  {"id": "client-1", "secret": "client-1-secret",
   "redirect_uri": "https://example.com/callback"}
]`)
	settingsPath := writeFile(t, dir, "gafaelfawr.yaml", `
session_secret_file: `+secretPath+`
bootstrap_token_file: `+bootstrapPath+`
database_url: sqlite:///tmp/gafaelfawr.db
redis_url: redis://localhost:6379/0
redirect_url: https://example.com/login
after_logout_url: https://example.com/
github:
  client_id: some-client-id
  client_secret_file: `+githubSecretPath+`
known_scopes:
  admin:token: Can administer tokens
  read:all: Can read everything
group_mapping:
  g_users:
    - read:all
initial_admins:
  - rra
oidc_server_secrets_file: `+clientsPath+`
issuer:
  iss: https://example.com
  aud: https://example.com
`)

	cfg, err := Load(settingsPath)
	require.NoError(t, err)

	// Defaults.
	assert.Equal(t, "gafaelfawr", cfg.Realm)
	assert.Equal(t, 1380, cfg.Issuer.ExpMinutes)
	assert.Equal(t, 1380*time.Minute, cfg.TokenLifetime())
	assert.Equal(t, "uid", cfg.Issuer.UsernameClaim)
	assert.Equal(t, "uidNumber", cfg.Issuer.UIDClaim)

	// Secrets resolved from their files.
	require.Len(t, cfg.SessionSecrets, 2)
	assert.Len(t, cfg.SessionSecrets[0], 32)
	assert.Equal(t, "gt-aaaaaaaaaaaaaaaaaaaaaa.bbbbbbbbbbbbbbbbbbbbbb",
		cfg.BootstrapToken)
	assert.Equal(t, "github-secret-value", cfg.GitHub.ClientSecret)
	require.Len(t, cfg.OIDCClients, 1)
	assert.Equal(t, "client-1", cfg.OIDCClients[0].ID)
	assert.Equal(t, "https://example.com/callback", cfg.OIDCClients[0].RedirectURI)

	assert.True(t, cfg.IsKnownScope("read:all"))
	assert.False(t, cfg.IsKnownScope("exec:admin"))
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read settings file")
}

func TestLoadBadSessionSecret(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	secretPath := writeFile(t, dir, "session-secret", "not-valid-base64!\n")
	settingsPath := writeFile(t, dir, "gafaelfawr.yaml", `
session_secret_file: `+secretPath+`
database_url: sqlite:///tmp/gafaelfawr.db
redis_url: redis://localhost:6379/0
redirect_url: https://example.com/login
github:
  client_id: some-client-id
known_scopes:
  read:all: Can read everything
`)

	_, err := Load(settingsPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to decode session secret")
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return &Config{
		Realm:          "example.com",
		SessionSecrets: [][]byte{key},
		DatabaseURL:    "sqlite:///tmp/gafaelfawr.db",
		RedisURL:       "redis://localhost:6379/0",
		RedirectURL:    "https://example.com/login",
		GitHub:         &GitHub{ClientID: "some-client-id"},
		KnownScopes:    map[string]string{"read:all": "Can read everything"},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, validConfig(t).Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{
			name:   "no session secrets",
			mutate: func(c *Config) { c.SessionSecrets = nil },
			errMsg: "session_secret_file must provide at least one key",
		},
		{
			name:   "short session secret",
			mutate: func(c *Config) { c.SessionSecrets = [][]byte{make([]byte, 16)} },
			errMsg: "session secrets must be 256-bit keys",
		},
		{
			name:   "no database",
			mutate: func(c *Config) { c.DatabaseURL = "" },
			errMsg: "database_url must be set",
		},
		{
			name:   "no redis",
			mutate: func(c *Config) { c.RedisURL = "" },
			errMsg: "redis_url must be set",
		},
		{
			name:   "no provider",
			mutate: func(c *Config) { c.GitHub = nil },
			errMsg: "exactly one of github or oidc must be configured",
		},
		{
			name: "both providers",
			mutate: func(c *Config) {
				c.OIDC = &OIDC{Issuer: "https://upstream.example.org"}
			},
			errMsg: "exactly one of github or oidc must be configured",
		},
		{
			name:   "no redirect URL",
			mutate: func(c *Config) { c.RedirectURL = "" },
			errMsg: "redirect_url must be set",
		},
		{
			name:   "no known scopes",
			mutate: func(c *Config) { c.KnownScopes = nil },
			errMsg: "known_scopes must not be empty",
		},
		{
			name: "group mapping to unknown scope",
			mutate: func(c *Config) {
				c.GroupMapping = map[string][]string{"g_users": {"exec:admin"}}
			},
			errMsg: "group_mapping for g_users names unknown scope exec:admin",
		},
		{
			name:   "invalid initial admin",
			mutate: func(c *Config) { c.InitialAdmins = []string{"Not A User"} },
			errMsg: "invalid username in initial_admins: Not A User",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, tt.errMsg, err.Error())
		})
	}
}

func TestValidUsername(t *testing.T) {
	t.Parallel()

	valid := []string{"rra", "r", "user-name", "a1-b2", "0leading-digit",
		strings.Repeat("a", 64)}
	for _, username := range valid {
		assert.True(t, ValidUsername(username), "username %q", username)
	}

	invalid := []string{"", "Uppercase", "under_score", "-leading", "trailing-",
		"double--hyphen", "with space", "dot.name",
		strings.Repeat("a", 65)}
	for _, username := range invalid {
		assert.False(t, ValidUsername(username), "username %q", username)
	}
}
