// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package token defines the opaque bearer token and its associated data
// models. A token is rendered as gt-<key>.<secret> where both segments are
// 22-character URL-safe base64 encodings of 128 bits of randomness. The key
// is the lookup handle; the secret proves possession and is verified in
// constant time against the stored copy.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Segment length of a base64url encoding of 128 bits without padding.
const segmentLength = 22

// Token is an opaque bearer credential.
type Token struct {
	Key    string
	Secret string
}

// New mints a fresh token with random key and secret.
func New() (Token, error) {
	key, err := RandomSegment()
	if err != nil {
		return Token{}, err
	}
	secret, err := RandomSegment()
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, Secret: secret}, nil
}

// RandomSegment returns 128 bits of randomness as a 22-character
// URL-safe base64 string without padding.
func RandomSegment() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Parse decodes the serialized form of a token. It returns ErrInvalidToken
// for anything that does not match gt-<key>.<secret> with well-formed
// segments.
func Parse(s string) (Token, error) {
	rest, ok := strings.CutPrefix(s, "gt-")
	if !ok {
		return Token{}, fmt.Errorf("%w: token does not start with gt-", ErrInvalidToken)
	}
	key, secret, ok := strings.Cut(rest, ".")
	if !ok {
		return Token{}, fmt.Errorf("%w: token is malformed", ErrInvalidToken)
	}
	if !validSegment(key) || !validSegment(secret) {
		return Token{}, fmt.Errorf("%w: token is malformed", ErrInvalidToken)
	}
	return Token{Key: key, Secret: secret}, nil
}

func validSegment(s string) bool {
	if len(s) != segmentLength {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// String serializes the token to its wire form.
func (t Token) String() string {
	return fmt.Sprintf("gt-%s.%s", t.Key, t.Secret)
}

// Equal compares two tokens in constant time over the secret so that
// validation latency does not leak the position of the first differing byte.
func (t Token) Equal(other Token) bool {
	if t.Key != other.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Secret), []byte(other.Secret)) == 1
}

// Type classifies a token by how it was minted and what it may do.
type Type string

// Token types.
const (
	// TypeSession is minted by the login flow and owns derived tokens.
	TypeSession Type = "session"
	// TypeUser is a named long-lived token created through the API.
	TypeUser Type = "user"
	// TypeNotebook is a per-user derived token with the parent's scopes.
	TypeNotebook Type = "notebook"
	// TypeInternal is a derived token delegated to a specific service.
	TypeInternal Type = "internal"
	// TypeService represents a non-human principal, minted by admins.
	TypeService Type = "service"
)

// Valid reports whether t is a known token type.
func (t Type) Valid() bool {
	switch t {
	case TypeSession, TypeUser, TypeNotebook, TypeInternal, TypeService:
		return true
	}
	return false
}

// Group is a group membership carried in the user-info snapshot.
type Group struct {
	Name string `json:"name"`
	ID   int    `json:"id"`
}

// UserInfo is the identity snapshot captured at session creation. It will
// eventually come from a dedicated identity service; until then it rides
// along with the session token.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	UID      int     `json:"uid,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Data is the full token payload cached in the token store, keyed by the
// token key. It is the source of truth for token validity.
type Data struct {
	UserInfo

	Token   Token      `json:"-"`
	Type    Type       `json:"token_type"`
	Scopes  []string   `json:"scopes"`
	Created time.Time  `json:"created"`
	Expires *time.Time `json:"expires,omitempty"`
}

// Expired reports whether the token has an expiration in the past.
func (d *Data) Expired(now time.Time) bool {
	return d.Expires != nil && !d.Expires.After(now)
}

// Info is the durable metadata view of a token held in the database. It
// omits the secret and the user-info snapshot.
type Info struct {
	Token    string     `json:"token"`
	Username string     `json:"username"`
	Type     Type       `json:"token_type"`
	Name     string     `json:"token_name,omitempty"`
	Scopes   []string   `json:"scopes"`
	Service  string     `json:"service,omitempty"`
	Created  time.Time  `json:"-"`
	LastUsed *time.Time `json:"-"`
	Expires  *time.Time `json:"-"`
	Parent   string     `json:"parent,omitempty"`
}

// MarshalJSON renders timestamps as integer epoch seconds, matching the
// wire format of the REST API.
func (i Info) MarshalJSON() ([]byte, error) {
	type alias Info
	out := struct {
		alias
		Created  int64  `json:"created"`
		LastUsed *int64 `json:"last_used,omitempty"`
		Expires  *int64 `json:"expires,omitempty"`
	}{alias: alias(i), Created: i.Created.Unix()}
	if i.LastUsed != nil {
		v := i.LastUsed.Unix()
		out.LastUsed = &v
	}
	if i.Expires != nil {
		v := i.Expires.Unix()
		out.Expires = &v
	}
	return json.Marshal(out)
}

// CurrentTime returns the current UTC time truncated to whole seconds,
// the resolution stored in the database and serialized on the wire.
func CurrentTime() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
