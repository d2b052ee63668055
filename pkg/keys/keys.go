// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package keys loads and describes the RSA key pair used to sign JWTs
// issued by the internal OpenID Connect server.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/go-jose/go-jose/v4"
)

// Algorithm is the only signing algorithm the issuer uses.
const Algorithm = "RS256"

// SigningKey is a loaded private key plus its derived JWK parameters.
type SigningKey struct {
	// Key is the RSA private key.
	Key *rsa.PrivateKey

	// KeyID is the RFC 7638 JWK thumbprint of the public key.
	KeyID string
}

// Load reads an RSA private key from a PEM file. Both PKCS1 and PKCS8
// encodings are accepted.
func Load(path string) (*SigningKey, error) {
	keyPEM, err := os.ReadFile(path) // #nosec G304 - path comes from the settings file
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	return Parse(keyPEM)
}

// Parse parses a PEM-encoded RSA private key.
func Parse(keyPEM []byte) (*SigningKey, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, fmt.Errorf("failed to decode PEM block from signing key")
	}

	var rsaKey *rsa.PrivateKey
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		rsaKey = key
	} else {
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		parsed, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("signing key is not an RSA key: %T", key)
		}
		rsaKey = parsed
	}

	keyID, err := deriveKeyID(rsaKey)
	if err != nil {
		return nil, err
	}
	return &SigningKey{Key: rsaKey, KeyID: keyID}, nil
}

// Generate creates a new 2048-bit RSA key and returns it PEM-encoded in
// PKCS8 form, suitable for the settings file's issuer key.
func Generate() ([]byte, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal signing key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// JWKS returns the public key set published at the jwks.json endpoint.
func (k *SigningKey) JWKS() *jose.JSONWebKeySet {
	return &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       k.Key.Public(),
			KeyID:     k.KeyID,
			Algorithm: Algorithm,
			Use:       "sig",
		}},
	}
}

// Signer returns a go-jose signer using this key with the kid header set.
func (k *SigningKey) Signer() (jose.Signer, error) {
	signingKey := jose.SigningKey{
		Algorithm: jose.RS256,
		Key: jose.JSONWebKey{
			Key:   k.Key,
			KeyID: k.KeyID,
		},
	}
	opts := (&jose.SignerOptions{}).WithType("JWT")
	return jose.NewSigner(signingKey, opts)
}

// deriveKeyID computes base64url(SHA-256(canonical JWK)) per RFC 7638.
func deriveKeyID(key crypto.Signer) (string, error) {
	jwk := jose.JSONWebKey{Key: key.Public()}
	thumbprint, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(thumbprint), nil
}
