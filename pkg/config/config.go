// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package config loads and validates the gafaelfawr settings file.
//
// The settings file is YAML, located via the GAFAELFAWR_SETTINGS_PATH
// environment variable. Secrets are referenced by file path so the settings
// file itself can be committed; the referenced files are read at load time.
// Configuration is immutable after startup.
package config

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SettingsPathEnv names the environment variable holding the settings path.
const SettingsPathEnv = "GAFAELFAWR_SETTINGS_PATH"

// UIPathEnv names the environment variable holding the static UI directory.
const UIPathEnv = "GAFAELFAWR_UI_PATH"

// usernameRegex matches valid usernames: lowercase alphanumerics with
// non-leading, non-trailing, non-doubled hyphens.
var usernameRegex = regexp.MustCompile(`^[a-z0-9](?:[a-z0-9]|-[a-z0-9])*$`)

// Config is the parsed and validated settings file.
type Config struct {
	// Realm is echoed in WWW-Authenticate challenges.
	Realm string `yaml:"realm"`

	// SessionSecretFile holds one or more base64-encoded 256-bit keys, one
	// per line, newest first. The first key seals; all keys open.
	SessionSecretFile string `yaml:"session_secret_file"`

	// DatabaseURL is the relational database location.
	DatabaseURL string `yaml:"database_url"`

	// RedisURL is the token store location.
	RedisURL string `yaml:"redis_url"`

	// BootstrapTokenFile holds a token accepted only on the admin token
	// creation endpoint, used to seed an empty admin set.
	BootstrapTokenFile string `yaml:"bootstrap_token_file"`

	// Proxies are CIDR blocks of trusted ingress proxies for client IP
	// resolution from X-Forwarded-For.
	Proxies []string `yaml:"proxies"`

	// AfterLogoutURL is the redirect target for /logout without rd.
	AfterLogoutURL string `yaml:"after_logout_url"`

	// RedirectURL is the registered OAuth callback URL for the upstream
	// identity provider, normally https://<host>/login.
	RedirectURL string `yaml:"redirect_url"`

	Issuer Issuer `yaml:"issuer"`

	// Exactly one of GitHub or OIDC must be set.
	GitHub *GitHub `yaml:"github"`
	OIDC   *OIDC   `yaml:"oidc"`

	// KnownScopes maps each recognized scope name to its description.
	KnownScopes map[string]string `yaml:"known_scopes"`

	// GroupMapping maps a group name to the scopes its members receive.
	GroupMapping map[string][]string `yaml:"group_mapping"`

	// InitialAdmins seeds the admin table when it is empty.
	InitialAdmins []string `yaml:"initial_admins"`

	// OIDCServerSecretsFile holds the JSON list of registered downstream
	// OpenID Connect clients. Empty disables the OIDC server routes.
	OIDCServerSecretsFile string `yaml:"oidc_server_secrets_file"`

	// BootstrapToken may also be given inline; the file takes precedence.
	BootstrapToken string `yaml:"bootstrap_token"`

	// Loaded secrets, populated by Load.
	SessionSecrets [][]byte     `yaml:"-"`
	OIDCClients    []OIDCClient `yaml:"-"`
}

// Issuer configures the downstream OpenID Connect issuer.
type Issuer struct {
	Issuer      string `yaml:"iss"`
	Audience    string `yaml:"aud"`
	AudInternal string `yaml:"aud_internal"`
	KeyFile     string `yaml:"key_file"`
	ExpMinutes  int    `yaml:"exp_minutes"`

	// UsernameClaim and UIDClaim name the claims carrying the username and
	// numeric UID in issued JWTs.
	UsernameClaim string `yaml:"username_claim"`
	UIDClaim      string `yaml:"uid_claim"`
}

// GitHub configures GitHub as the upstream identity provider.
type GitHub struct {
	ClientID         string `yaml:"client_id"`
	ClientSecretFile string `yaml:"client_secret_file"`

	ClientSecret string `yaml:"-"`
}

// OIDC configures a generic OpenID Connect upstream identity provider.
type OIDC struct {
	Issuer           string   `yaml:"issuer"`
	ClientID         string   `yaml:"client_id"`
	ClientSecretFile string   `yaml:"client_secret_file"`
	Scopes           []string `yaml:"scopes"`
	UsernameClaim    string   `yaml:"username_claim"`
	UIDClaim         string   `yaml:"uid_claim"`

	ClientSecret string `yaml:"-"`
}

// OIDCClient is one registered downstream relying party.
type OIDCClient struct {
	ID          string `json:"id"`
	Secret      string `json:"secret"`
	RedirectURI string `json:"redirect_uri"`
}

// Load reads, parses, and validates the settings file at path, resolving
// all referenced secret files.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	cfg := &Config{Realm: "gafaelfawr"}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings file: %w", err)
	}
	if cfg.Issuer.ExpMinutes == 0 {
		cfg.Issuer.ExpMinutes = 1380 // 23 hours, shorter than a daily login cadence
	}
	if cfg.Issuer.UsernameClaim == "" {
		cfg.Issuer.UsernameClaim = "uid"
	}
	if cfg.Issuer.UIDClaim == "" {
		cfg.Issuer.UIDClaim = "uidNumber"
	}
	if err := cfg.loadSecrets(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadSecrets() error {
	if c.SessionSecretFile != "" {
		raw, err := os.ReadFile(c.SessionSecretFile)
		if err != nil {
			return fmt.Errorf("failed to read session secret: %w", err)
		}
		for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			key, err := base64.StdEncoding.DecodeString(line)
			if err != nil {
				return fmt.Errorf("failed to decode session secret: %w", err)
			}
			c.SessionSecrets = append(c.SessionSecrets, key)
		}
	}
	if c.BootstrapTokenFile != "" {
		raw, err := os.ReadFile(c.BootstrapTokenFile)
		if err != nil {
			return fmt.Errorf("failed to read bootstrap token: %w", err)
		}
		c.BootstrapToken = strings.TrimSpace(string(raw))
	}
	if c.GitHub != nil && c.GitHub.ClientSecretFile != "" {
		raw, err := os.ReadFile(c.GitHub.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("failed to read GitHub client secret: %w", err)
		}
		c.GitHub.ClientSecret = strings.TrimSpace(string(raw))
	}
	if c.OIDC != nil && c.OIDC.ClientSecretFile != "" {
		raw, err := os.ReadFile(c.OIDC.ClientSecretFile)
		if err != nil {
			return fmt.Errorf("failed to read OIDC client secret: %w", err)
		}
		c.OIDC.ClientSecret = strings.TrimSpace(string(raw))
	}
	if c.OIDCServerSecretsFile != "" {
		raw, err := os.ReadFile(c.OIDCServerSecretsFile)
		if err != nil {
			return fmt.Errorf("failed to read OIDC server secrets: %w", err)
		}
		if err := json.Unmarshal(raw, &c.OIDCClients); err != nil {
			return fmt.Errorf("failed to parse OIDC server secrets: %w", err)
		}
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if c.Realm == "" {
		return errors.New("realm must be set")
	}
	if len(c.SessionSecrets) == 0 {
		return errors.New("session_secret_file must provide at least one key")
	}
	for _, key := range c.SessionSecrets {
		if len(key) != 32 {
			return errors.New("session secrets must be 256-bit keys")
		}
	}
	if c.DatabaseURL == "" {
		return errors.New("database_url must be set")
	}
	if c.RedisURL == "" {
		return errors.New("redis_url must be set")
	}
	if (c.GitHub == nil) == (c.OIDC == nil) {
		return errors.New("exactly one of github or oidc must be configured")
	}
	if c.RedirectURL == "" {
		return errors.New("redirect_url must be set")
	}
	if len(c.KnownScopes) == 0 {
		return errors.New("known_scopes must not be empty")
	}
	for group, scopes := range c.GroupMapping {
		for _, scope := range scopes {
			if _, ok := c.KnownScopes[scope]; !ok {
				return fmt.Errorf("group_mapping for %s names unknown scope %s", group, scope)
			}
		}
	}
	for _, admin := range c.InitialAdmins {
		if !ValidUsername(admin) {
			return fmt.Errorf("invalid username in initial_admins: %s", admin)
		}
	}
	return nil
}

// TokenLifetime returns the default lifetime of session and derived tokens.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Issuer.ExpMinutes) * time.Minute
}

// IsKnownScope reports whether scope appears in known_scopes.
func (c *Config) IsKnownScope(scope string) bool {
	_, ok := c.KnownScopes[scope]
	return ok
}

// ValidUsername reports whether a username matches the accepted form.
func ValidUsername(username string) bool {
	return len(username) >= 1 && len(username) <= 64 && usernameRegex.MatchString(username)
}
