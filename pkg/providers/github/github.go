// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package github implements the upstream identity provider for GitHub OAuth
// applications. Identity comes from the GitHub REST API: the user record,
// the primary email, and team memberships mapped to groups.
package github

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"
	"golang.org/x/time/rate"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const apiBase = "https://api.github.com"

// scopes requested from GitHub. read:org is needed to see team membership
// in organizations the user belongs to.
var scopes = []string{"read:org", "read:user", "user:email"}

// maxGroupNameLength is the longest group name produced from a team. Longer
// names are truncated and suffixed with a hash to stay unique.
const maxGroupNameLength = 32

// Provider authenticates users against GitHub.
type Provider struct {
	oauth2Config *oauth2.Config

	// limiter smooths the burst of API calls made per login so a login
	// storm does not trip GitHub's secondary rate limits.
	limiter *rate.Limiter

	// base overrides the API base URL in tests.
	base string
}

// New creates a GitHub provider.
func New(cfg *config.Config) *Provider {
	return &Provider{
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     githuboauth.Endpoint,
		},
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		base:    apiBase,
	}
}

// AuthorizationURL returns the GitHub authorization URL.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// ExchangeCode redeems the authorization code and assembles the user's
// identity from the GitHub API.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*token.UserInfo, error) {
	tokens, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %w",
			providers.ErrIdentityResolutionFailed, err)
	}
	client := p.oauth2Config.Client(ctx, tokens)

	var user struct {
		Login string `json:"login"`
		ID    int    `json:"id"`
		Name  string `json:"name"`
	}
	if err := p.getJSON(ctx, client, "/user", &user); err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrIdentityResolutionFailed, err)
	}

	email, err := p.primaryEmail(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrIdentityResolutionFailed, err)
	}
	groups, err := p.teams(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrIdentityResolutionFailed, err)
	}

	info := &token.UserInfo{
		// GitHub logins are case-preserving but case-insensitive; fold to
		// lowercase so the username is stable.
		Username: strings.ToLower(user.Login),
		Name:     user.Name,
		Email:    email,
		UID:      user.ID,
		Groups:   groups,
	}
	logger.Infow("Retrieved GitHub user metadata",
		"user", info.Username, "uid", info.UID, "groups", len(groups))
	return info, nil
}

func (p *Provider) primaryEmail(ctx context.Context, client *http.Client) (string, error) {
	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := p.getJSON(ctx, client, "/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary {
			return e.Email, nil
		}
	}
	return "", fmt.Errorf("user has no primary email address")
}

func (p *Provider) teams(ctx context.Context, client *http.Client) ([]token.Group, error) {
	var teams []struct {
		Slug         string `json:"slug"`
		ID           int    `json:"id"`
		Organization struct {
			Login string `json:"login"`
		} `json:"organization"`
	}
	if err := p.getJSON(ctx, client, "/user/teams?per_page=100", &teams); err != nil {
		return nil, err
	}
	groups := make([]token.Group, 0, len(teams))
	for _, team := range teams {
		name := GroupName(team.Organization.Login, team.Slug)
		groups = append(groups, token.Group{Name: name, ID: team.ID})
	}
	return groups, nil
}

// GroupName maps an organization and team slug to a group name, truncating
// with a hash suffix when the combination exceeds the length limit.
func GroupName(organization, slug string) string {
	name := strings.ToLower(organization + "-" + slug)
	if len(name) <= maxGroupNameLength {
		return name
	}
	digest := sha256.Sum256([]byte(name))
	suffix := base64.RawURLEncoding.EncodeToString(digest[:])[:6]
	return name[:maxGroupNameLength-7] + "-" + suffix
}

func (p *Provider) getJSON(
	ctx context.Context, client *http.Client, path string, out any,
) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("GitHub API request for %s failed: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("GitHub API request for %s returned %d: %s",
			path, resp.StatusCode, string(body))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
