// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package session implements the encrypted state cookie: the envelope
// carrying the session token, the CSRF token, and the OAuth state and
// return URL during login.
package session

import (
	"encoding/json"
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// CookieName is the fixed name of the state cookie.
const CookieName = "gafaelfawr"

// State is the decrypted contents of the state cookie.
type State struct {
	// Token is the serialized session token, if the user is logged in.
	Token string `json:"token,omitempty"`

	// CSRF is the random token that mutating API calls must echo in the
	// X-CSRF-Token header.
	CSRF string `json:"csrf,omitempty"`

	// State is the OAuth state parameter during a pending login.
	State string `json:"state,omitempty"`

	// ReturnURL is where to send the user after a pending login.
	ReturnURL string `json:"return_url,omitempty"`
}

// Manager seals and opens the state cookie.
type Manager struct {
	envelope *crypto.Envelope
}

// NewManager creates a cookie manager using the given envelope.
func NewManager(envelope *crypto.Envelope) *Manager {
	return &Manager{envelope: envelope}
}

// Read decodes the state cookie from a request. A missing, undecryptable,
// or malformed cookie yields an empty state; a stale or foreign cookie must
// behave like no cookie at all.
func (m *Manager) Read(r *http.Request) *State {
	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return &State{}
	}
	plaintext, err := m.envelope.Open(cookie.Value)
	if err != nil {
		logger.Warnw("Discarding undecryptable state cookie", "error", err)
		return &State{}
	}
	var state State
	if err := json.Unmarshal(plaintext, &state); err != nil {
		logger.Warnw("Discarding malformed state cookie", "error", err)
		return &State{}
	}
	return &state
}

// Write seals the state and sets the cookie on the response.
func (m *Manager) Write(w http.ResponseWriter, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	sealed, err := m.envelope.Seal(raw)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    sealed,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// Clear expires the state cookie.
func (m *Manager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	})
}

// NewCSRF returns a fresh CSRF token: 128 bits of randomness in URL-safe
// base64.
func NewCSRF() (string, error) {
	return token.RandomSegment()
}
