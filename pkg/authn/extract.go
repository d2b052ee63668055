// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package authn extracts the authentication credential from an incoming
// request: the state cookie, a Bearer token, or a Basic auth pair using the
// x-oauth-basic convention.
package authn

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Source identifies where a credential came from.
type Source string

// Credential sources.
const (
	SourceCookie        Source = "cookie"
	SourceBearer        Source = "bearer"
	SourceBasicUsername Source = "basic-username"
	SourceBasicPassword Source = "basic-password"
)

// basicSentinel marks the non-token half of a Basic auth pair, following
// the GitHub convention for token-over-Basic.
const basicSentinel = "x-oauth-basic"

// Extract returns at most one opaque credential from the request, in order
// of precedence: state cookie, Bearer, Basic. An absent credential is not
// an error; a malformed Authorization header is token.ErrInvalidRequest.
func Extract(r *http.Request, cookies *session.Manager) (string, Source, error) {
	if state := cookies.Read(r); state.Token != "" {
		return state.Token, SourceCookie, nil
	}
	return FromAuthorization(r)
}

// FromAuthorization extracts a credential from the Authorization header
// alone, ignoring the cookie.
func FromAuthorization(r *http.Request) (string, Source, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", "", nil
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found || rest == "" {
		return "", "", fmt.Errorf("%w: malformed Authorization header", token.ErrInvalidRequest)
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return rest, SourceBearer, nil
	case "basic":
		return fromBasic(rest)
	default:
		return "", "", fmt.Errorf("%w: unknown Authorization type %s",
			token.ErrInvalidRequest, scheme)
	}
}

// fromBasic unpacks a Basic auth pair. Tokens ride in either half, with the
// sentinel x-oauth-basic in the other; a pair with no sentinel uses the
// username and logs the assumption.
func fromBasic(encoded string) (string, Source, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", "", fmt.Errorf("%w: invalid base64 in Basic auth: %v",
			token.ErrInvalidRequest, err)
	}
	username, password, found := strings.Cut(string(raw), ":")
	if !found {
		return "", "", fmt.Errorf("%w: malformed Basic auth string", token.ErrInvalidRequest)
	}
	switch {
	case password == basicSentinel:
		return username, SourceBasicUsername, nil
	case username == basicSentinel:
		return password, SourceBasicPassword, nil
	default:
		logger.Infow("Neither username nor password in Basic auth is x-oauth-basic, assuming username")
		return username, SourceBasicUsername, nil
	}
}
