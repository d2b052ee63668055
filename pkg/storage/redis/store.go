// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package redis implements the token store: the mapping from token key to
// token data in Redis, encrypted at rest.
//
// Redis is the source of truth for token validity. A token is live exactly
// when its key is present here and its expiration has not passed; the
// relational database retains rows only for metadata and history. Values
// are sealed with the process AEAD envelope so that an attacker who can
// list Redis keys cannot reconstruct usable tokens without the key list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const tokenKeyPrefix = "token:"

// storedTokenData is the JSON serialization of token data inside the sealed
// envelope. The full token including the secret is stored so that presented
// secrets can be verified.
type storedTokenData struct {
	Token    string        `json:"token"`
	Username string        `json:"username"`
	Type     token.Type    `json:"token_type"`
	Scopes   []string      `json:"scopes"`
	Created  int64         `json:"created"`
	Expires  *int64        `json:"expires,omitempty"`
	Name     string        `json:"name,omitempty"`
	Email    string        `json:"email,omitempty"`
	UID      int           `json:"uid,omitempty"`
	Groups   []token.Group `json:"groups,omitempty"`
}

// TokenStore stores and retrieves token data in Redis.
type TokenStore struct {
	client   redis.UniversalClient
	envelope *crypto.Envelope
}

// NewTokenStore connects to Redis at the given URL.
func NewTokenStore(redisURL string, envelope *crypto.Envelope) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	return NewTokenStoreWithClient(redis.NewClient(opts), envelope), nil
}

// NewTokenStoreWithClient creates a token store with an existing Redis
// client. Used by tests to inject miniredis.
func NewTokenStoreWithClient(client redis.UniversalClient, envelope *crypto.Envelope) *TokenStore {
	return &TokenStore{client: client, envelope: envelope}
}

// Client exposes the underlying Redis client for stores that share the
// same connection, such as the OpenID Connect code store.
func (s *TokenStore) Client() redis.UniversalClient {
	return s.client
}

// Ping verifies connectivity to Redis.
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *TokenStore) Close() error {
	return s.client.Close()
}

// Store writes the data for a token. The TTL is derived from the token's
// expiration; defaultLifetime applies when the token has none.
func (s *TokenStore) Store(ctx context.Context, data *token.Data, defaultLifetime time.Duration) error {
	stored := storedTokenData{
		Token:    data.Token.String(),
		Username: data.Username,
		Type:     data.Type,
		Scopes:   data.Scopes,
		Created:  data.Created.Unix(),
		Name:     data.Name,
		Email:    data.Email,
		UID:      data.UID,
		Groups:   data.Groups,
	}
	ttl := defaultLifetime
	if data.Expires != nil {
		expires := data.Expires.Unix()
		stored.Expires = &expires
		ttl = time.Until(*data.Expires)
	}
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to serialize token data: %w", err)
	}
	sealed, err := s.envelope.Seal(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt token data: %w", err)
	}
	key := tokenKeyPrefix + data.Token.Key
	if err := s.client.Set(ctx, key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token data: %w", err)
	}
	return nil
}

// Get retrieves the data for a token and verifies the presented secret.
// Any mismatch, missing entry, or expiry yields storage.ErrNotFound.
func (s *TokenStore) Get(ctx context.Context, tok token.Token) (*token.Data, error) {
	data, err := s.GetByKey(ctx, tok.Key)
	if err != nil {
		return nil, err
	}
	if !data.Token.Equal(tok) {
		logger.Errorw("Token secret mismatch", "token_key", tok.Key)
		return nil, storage.ErrNotFound
	}
	return data, nil
}

// GetByKey retrieves token data by key alone, bypassing the secret check.
// It must never be called with user-supplied keys; it exists for internal
// lookups where the caller already holds a validated parent token.
func (s *TokenStore) GetByKey(ctx context.Context, key string) (*token.Data, error) {
	sealed, err := s.client.Get(ctx, tokenKeyPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve token data: %w", err)
	}
	raw, err := s.envelope.Open(sealed)
	if err != nil {
		// Masked as a miss so a corrupted or foreign-key entry behaves
		// like an invalid token rather than an internal error.
		logger.Warnw("Cannot decrypt token data", "token_key", key, "error", err)
		return nil, storage.ErrNotFound
	}
	var stored storedTokenData
	if err := json.Unmarshal(raw, &stored); err != nil {
		logger.Warnw("Cannot deserialize token data", "token_key", key, "error", err)
		return nil, storage.ErrNotFound
	}
	return stored.toTokenData(key)
}

// Delete removes a token from Redis. Only the key is required so that users
// can revoke tokens they no longer possess.
func (s *TokenStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, tokenKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete token data: %w", err)
	}
	return nil
}

func (d storedTokenData) toTokenData(key string) (*token.Data, error) {
	tok, err := token.Parse(d.Token)
	if err != nil {
		logger.Warnw("Stored token is malformed", "token_key", key, "error", err)
		return nil, storage.ErrNotFound
	}
	data := &token.Data{
		UserInfo: token.UserInfo{
			Username: d.Username,
			Name:     d.Name,
			Email:    d.Email,
			UID:      d.UID,
			Groups:   d.Groups,
		},
		Token:   tok,
		Type:    d.Type,
		Scopes:  d.Scopes,
		Created: time.Unix(d.Created, 0).UTC(),
	}
	if d.Expires != nil {
		expires := time.Unix(*d.Expires, 0).UTC()
		data.Expires = &expires
	}
	return data, nil
}
