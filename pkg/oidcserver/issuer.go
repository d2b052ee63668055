// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package oidcserver

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Issuer mints the signed JWTs returned by the token endpoint.
type Issuer struct {
	config *config.Issuer
	key    *keys.SigningKey
}

// NewIssuer creates a JWT issuer from the issuer configuration and key.
func NewIssuer(cfg *config.Issuer, key *keys.SigningKey) *Issuer {
	return &Issuer{config: cfg, key: key}
}

// Issue signs an ID token for the given user. The jti claim carries the key
// of the authorization code that was redeemed, tying the JWT back to the
// change history of the underlying session.
func (i *Issuer) Issue(data *token.Data, jti string) (string, error) {
	now := time.Now().UTC()
	expires := now.Add(time.Duration(i.config.ExpMinutes) * time.Minute)
	claims := map[string]any{
		"aud":                i.config.Audience,
		"iss":                i.config.Issuer,
		"iat":                now.Unix(),
		"exp":                expires.Unix(),
		"jti":                jti,
		"scope":              "openid",
		"sub":                data.Username,
		"preferred_username": data.Username,
	}
	if data.Name != "" {
		claims["name"] = data.Name
	}
	if data.Email != "" {
		claims["email"] = data.Email
	}
	if len(data.Groups) > 0 {
		claims["isMemberOf"] = data.Groups
	}
	claims[i.config.UsernameClaim] = data.Username
	claims[i.config.UIDClaim] = data.UID
	return i.sign(claims)
}

func (i *Issuer) sign(claims map[string]any) (string, error) {
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to serialize claims: %w", err)
	}
	signer, err := i.key.Signer()
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	signed, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	serialized, err := signed.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize token: %w", err)
	}
	return serialized, nil
}

// Reissue mints a copy of a previously issued JWT for the internal
// audience. The subject and scope are preserved, the jti is replaced, and
// the expiration never extends beyond the original's.
func (i *Issuer) Reissue(serialized, jti string) (string, error) {
	original, err := i.Verify(serialized)
	if err != nil {
		return "", fmt.Errorf("cannot reissue unverifiable token: %w", err)
	}

	claims := make(map[string]any)
	for _, name := range original.Keys() {
		var value any
		if err := original.Get(name, &value); err != nil {
			return "", fmt.Errorf("cannot read %s claim: %w", name, err)
		}
		claims[name] = value
	}

	now := time.Now().UTC()
	expires := now.Add(i.Lifetime())
	if origExpires, ok := original.Expiration(); ok && origExpires.Before(expires) {
		expires = origExpires
	}
	claims["aud"] = i.config.AudInternal
	claims["iat"] = now.Unix()
	claims["exp"] = expires.Unix()
	claims["jti"] = jti
	return i.sign(claims)
}

// Lifetime returns the validity period of issued JWTs.
func (i *Issuer) Lifetime() time.Duration {
	return time.Duration(i.config.ExpMinutes) * time.Minute
}

// Verify parses and validates a JWT issued by this issuer, checking the
// signature, issuer, audience, and expiration.
func (i *Issuer) Verify(serialized string) (jwt.Token, error) {
	return jwt.Parse([]byte(serialized),
		jwt.WithKey(jwa.RS256(), i.key.Key.Public()),
		jwt.WithIssuer(i.config.Issuer),
		jwt.WithAudience(i.config.Audience),
	)
}
