// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package oidcserver

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
)

const codeKeyPrefix = "oidc:"

// grant is what an authorization code stands for: which client may redeem
// it, at which redirect URI, and for which session token.
type grant struct {
	Code        string `json:"code"`
	ClientID    string `json:"client_id"`
	RedirectURI string `json:"redirect_uri"`
	Token       string `json:"token"`
}

// CodeStore stores pending authorization codes in Redis, sealed with the
// same envelope as token data.
type CodeStore struct {
	client   redis.UniversalClient
	envelope *crypto.Envelope
}

// NewCodeStore creates a code store with an existing Redis client.
func NewCodeStore(client redis.UniversalClient, envelope *crypto.Envelope) *CodeStore {
	return &CodeStore{client: client, envelope: envelope}
}

// Store writes a new authorization code grant with the standard lifetime.
func (s *CodeStore) Store(
	ctx context.Context, code Code, clientID, redirectURI, sessionToken string,
) error {
	raw, err := json.Marshal(grant{
		Code:        code.String(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Token:       sessionToken,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize authorization code: %w", err)
	}
	sealed, err := s.envelope.Seal(raw)
	if err != nil {
		return fmt.Errorf("failed to encrypt authorization code: %w", err)
	}
	ttl := time.Duration(AuthorizationLifetime) * time.Second
	if err := s.client.Set(ctx, codeKeyPrefix+code.Key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	return nil
}

// Redeem retrieves and deletes an authorization code, enforcing single use.
// A missing, corrupted, or secret-mismatched code yields storage.ErrNotFound.
func (s *CodeStore) Redeem(ctx context.Context, code Code) (*grant, error) {
	sealed, err := s.client.GetDel(ctx, codeKeyPrefix+code.Key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to retrieve authorization code: %w", err)
	}
	raw, err := s.envelope.Open(sealed)
	if err != nil {
		logger.Warnw("Cannot decrypt authorization code", "code_key", code.Key, "error", err)
		return nil, storage.ErrNotFound
	}
	var stored grant
	if err := json.Unmarshal(raw, &stored); err != nil {
		logger.Warnw("Cannot deserialize authorization code", "code_key", code.Key, "error", err)
		return nil, storage.ErrNotFound
	}
	storedCode, err := ParseCode(stored.Code)
	if err != nil || !storedCode.Equal(code) {
		logger.Errorw("Authorization code secret mismatch", "code_key", code.Key)
		return nil, storage.ErrNotFound
	}
	return &stored, nil
}
