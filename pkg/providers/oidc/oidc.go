// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package oidc implements the upstream identity provider for generic
// OpenID Connect issuers with discovery support.
package oidc

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Claim defaults, matching common LDAP-backed issuers.
const (
	defaultUsernameClaim = "uid"
	defaultUIDClaim      = "uidNumber"
)

// Provider authenticates users against an upstream OIDC issuer.
type Provider struct {
	config        *config.OIDC
	oauth2Config  *oauth2.Config
	verifier      *oidc.IDTokenVerifier
	usernameClaim string
	uidClaim      string
}

// New performs OIDC discovery against the configured issuer and builds the
// provider.
func New(ctx context.Context, cfg *config.Config) (*Provider, error) {
	oidcProvider, err := oidc.NewProvider(ctx, cfg.OIDC.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC endpoints: %w", err)
	}

	scopes := cfg.OIDC.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid"}
	}

	endpoint := oidcProvider.Endpoint()
	// Send client credentials in the request body for consistent behavior
	// across issuer implementations.
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	p := &Provider{
		config: cfg.OIDC,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.OIDC.ClientID,
			ClientSecret: cfg.OIDC.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		verifier:      oidcProvider.Verifier(&oidc.Config{ClientID: cfg.OIDC.ClientID}),
		usernameClaim: cfg.OIDC.UsernameClaim,
		uidClaim:      cfg.OIDC.UIDClaim,
	}
	if p.usernameClaim == "" {
		p.usernameClaim = defaultUsernameClaim
	}
	if p.uidClaim == "" {
		p.uidClaim = defaultUIDClaim
	}

	logger.Debugw("Created OIDC provider",
		"issuer", cfg.OIDC.Issuer, "client_id", cfg.OIDC.ClientID)
	return p, nil
}

// AuthorizationURL returns the issuer's authorization endpoint URL.
func (p *Provider) AuthorizationURL(state string) string {
	return p.oauth2Config.AuthCodeURL(state)
}

// ExchangeCode redeems the authorization code, verifies the ID token, and
// extracts the user's identity from its claims.
func (p *Provider) ExchangeCode(ctx context.Context, code string) (*token.UserInfo, error) {
	tokens, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: code exchange failed: %w",
			providers.ErrIdentityResolutionFailed, err)
	}
	rawIDToken, ok := tokens.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, fmt.Errorf("%w: no ID token in token response",
			providers.ErrIdentityResolutionFailed)
	}
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("%w: ID token verification failed: %w",
			providers.ErrIdentityResolutionFailed, err)
	}
	return p.userInfoFromClaims(idToken)
}

// idTokenClaims holds the claims the provider understands. The username and
// uid claims are configurable, so those are pulled from the raw claim map.
type idTokenClaims struct {
	Name       string `json:"name"`
	Email      string `json:"email"`
	IsMemberOf []struct {
		Name string `json:"name"`
		ID   int    `json:"id"`
	} `json:"isMemberOf"`
}

func (p *Provider) userInfoFromClaims(idToken *oidc.IDToken) (*token.UserInfo, error) {
	var claims idTokenClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: cannot parse ID token claims: %w",
			providers.ErrIdentityResolutionFailed, err)
	}
	var raw map[string]any
	if err := idToken.Claims(&raw); err != nil {
		return nil, fmt.Errorf("%w: cannot parse ID token claims: %w",
			providers.ErrIdentityResolutionFailed, err)
	}

	username, ok := raw[p.usernameClaim].(string)
	if !ok || username == "" {
		return nil, fmt.Errorf("%w: ID token missing %s claim",
			providers.ErrIdentityResolutionFailed, p.usernameClaim)
	}
	uid, err := numericClaim(raw, p.uidClaim)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", providers.ErrIdentityResolutionFailed, err)
	}

	groups := make([]token.Group, 0, len(claims.IsMemberOf))
	for _, g := range claims.IsMemberOf {
		groups = append(groups, token.Group{Name: g.Name, ID: g.ID})
	}
	return &token.UserInfo{
		Username: username,
		Name:     claims.Name,
		Email:    claims.Email,
		UID:      uid,
		Groups:   groups,
	}, nil
}

// numericClaim reads an integer claim that issuers variously encode as a
// JSON number or a string.
func numericClaim(claims map[string]any, name string) (int, error) {
	switch v := claims[name].(type) {
	case nil:
		return 0, fmt.Errorf("ID token missing %s claim", name)
	case float64:
		return int(v), nil
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil {
			return 0, fmt.Errorf("invalid %s claim: %q", name, v)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("invalid %s claim type %T", name, v)
	}
}
