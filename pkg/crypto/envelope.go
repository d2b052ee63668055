// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package crypto implements the authenticated encryption envelope used for
// the state cookie and for token data at rest in the token store.
//
// The envelope is sealed with XChaCha20-Poly1305 under the first key of a
// key list and carries a kid prefix identifying the sealing key. Opening
// tries the key named by the kid first and then the rest of the list in
// order, which allows keys to be rotated without invalidating sessions
// sealed under the previous key.
package crypto

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// KeySize is the required size in bytes of each envelope key.
const KeySize = chacha20poly1305.KeySize

// ErrDecryptFailed is returned when no key in the list can open a sealed
// envelope. Callers treat this the same as a missing value.
var ErrDecryptFailed = errors.New("decryption failed")

type envelopeKey struct {
	kid  string
	aead cipher.AEAD
}

// Envelope seals and opens byte payloads under a rotating key list.
type Envelope struct {
	keys []envelopeKey
}

// NewEnvelope builds an envelope from one or more 32-byte keys. The first
// key seals; all keys may open.
func NewEnvelope(keys [][]byte) (*Envelope, error) {
	if len(keys) == 0 {
		return nil, errors.New("envelope requires at least one key")
	}
	e := &Envelope{}
	for _, key := range keys {
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize cipher: %w", err)
		}
		e.keys = append(e.keys, envelopeKey{kid: keyID(key), aead: aead})
	}
	return e, nil
}

// keyID derives a short stable identifier from the key material. The kid is
// public and must not leak the key, so it is a truncated hash.
func keyID(key []byte) string {
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:4])
}

// Seal encrypts plaintext under the current key and returns the serialized
// envelope <kid>.<base64url(nonce || ciphertext)>.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	k := e.keys[0]
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := k.aead.Seal(nonce, nonce, plaintext, nil)
	return k.kid + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a serialized envelope. The key named by the kid prefix is
// tried first, then the remaining keys in list order.
func (e *Envelope) Open(sealed string) ([]byte, error) {
	kid, payload, ok := strings.Cut(sealed, ".")
	if !ok {
		return nil, ErrDecryptFailed
	}
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil || len(raw) < chacha20poly1305.NonceSizeX {
		return nil, ErrDecryptFailed
	}
	nonce := raw[:chacha20poly1305.NonceSizeX]
	ciphertext := raw[chacha20poly1305.NonceSizeX:]

	for i, k := range e.keys {
		plaintext, err := k.aead.Open(nil, nonce, ciphertext, nil)
		if err != nil {
			continue
		}
		if k.kid != kid || i != 0 {
			logger.Debugw("Opened envelope with rotated key", "kid", k.kid)
		}
		return plaintext, nil
	}
	return nil, ErrDecryptFailed
}
