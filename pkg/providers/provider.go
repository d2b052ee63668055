// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package providers defines the upstream identity provider abstraction used
// by the login flow. Exactly one provider is configured per deployment.
package providers

import (
	"context"
	"errors"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// ErrIdentityResolutionFailed wraps any upstream failure while turning an
// authorization code into a verified identity.
var ErrIdentityResolutionFailed = errors.New("identity resolution failed")

// Provider is an upstream authentication provider.
type Provider interface {
	// AuthorizationURL returns the upstream URL to redirect the user to,
	// carrying the given opaque state parameter.
	AuthorizationURL(state string) string

	// ExchangeCode redeems an authorization code for the authenticated
	// user's identity.
	ExchangeCode(ctx context.Context, code string) (*token.UserInfo, error)
}
