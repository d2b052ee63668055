// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package oidcserver implements the minimal downstream OpenID Connect
// server: an authorization endpoint for logged-in browser sessions and a
// token endpoint that redeems one-time codes for signed JWTs.
package oidcserver

import (
	"crypto/subtle"
	"fmt"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// codePrefix distinguishes authorization codes from session tokens.
const codePrefix = "gc-"

// AuthorizationLifetime is how long an authorization code is good for.
const AuthorizationLifetime = 60 * 60 // seconds

// Code is a one-time OpenID Connect authorization code, structured like a
// token but with the gc- prefix.
type Code struct {
	Key    string
	Secret string
}

// NewCode generates a random authorization code.
func NewCode() (Code, error) {
	key, err := token.RandomSegment()
	if err != nil {
		return Code{}, err
	}
	secret, err := token.RandomSegment()
	if err != nil {
		return Code{}, err
	}
	return Code{Key: key, Secret: secret}, nil
}

// ParseCode parses the serialized form of an authorization code.
func ParseCode(s string) (Code, error) {
	rest, ok := strings.CutPrefix(s, codePrefix)
	if !ok {
		return Code{}, fmt.Errorf("authorization code does not start with %s", codePrefix)
	}
	key, secret, ok := strings.Cut(rest, ".")
	if !ok || key == "" || secret == "" {
		return Code{}, fmt.Errorf("malformed authorization code")
	}
	return Code{Key: key, Secret: secret}, nil
}

// String serializes the code.
func (c Code) String() string {
	return codePrefix + c.Key + "." + c.Secret
}

// Equal compares two codes in constant time.
func (c Code) Equal(other Code) bool {
	if c.Key != other.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(other.Secret)) == 1
}
