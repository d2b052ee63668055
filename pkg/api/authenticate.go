// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package api implements the /auth/api/v1 REST interface for token
// management, administration, and change history.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/lsst-sqre/gafaelfawr/pkg/authn"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// policy selects an authentication stance for a route.
type policy struct {
	// requireSession only accepts the browser cookie, not Authorization.
	requireSession bool

	// requireScope denies access without this scope.
	requireScope string

	// allowBootstrap additionally accepts the configured bootstrap token,
	// which authenticates as the synthetic <bootstrap> user.
	allowBootstrap bool
}

// authenticate resolves the request's credentials under the given policy.
// On failure it writes the error response and returns nil.
//
// The cookie is always checked before the Authorization header because some
// applications, JupyterHub for instance, use the Authorization header for
// their own purposes. Cookie-authenticated requests with mutating methods
// must also carry the session's CSRF token in X-CSRF-Token.
func (h *Handler) authenticate(
	w http.ResponseWriter, r *http.Request, p policy,
) *token.Data {
	state := h.cookies.Read(r)
	credential := state.Token
	fromCookie := credential != ""
	if fromCookie {
		if !h.verifyCSRF(w, r, state.CSRF) {
			return nil
		}
	} else if !p.requireSession {
		var err error
		credential, _, err = authn.FromAuthorization(r)
		if err != nil {
			h.challenge(w, "invalid_request", err.Error(), http.StatusUnauthorized)
			return nil
		}
	}
	if credential == "" {
		h.challenge(w, "", "Authentication required", http.StatusUnauthorized)
		return nil
	}

	if p.allowBootstrap && h.config.BootstrapToken != "" &&
		credential == h.config.BootstrapToken {
		logger.Infow("Authenticated with bootstrap token")
		return bootstrapData()
	}

	tok, err := token.Parse(credential)
	if err != nil {
		h.challenge(w, "invalid_token", "Token is not valid", http.StatusUnauthorized)
		return nil
	}
	data, err := h.tokens.GetData(r.Context(), tok)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return nil
	}
	if data == nil {
		h.challenge(w, "invalid_token", "Token is not valid", http.StatusUnauthorized)
		return nil
	}

	if p.requireScope != "" && !contains(data.Scopes, p.requireScope) {
		msg := fmt.Sprintf("Token does not have required scope %s", p.requireScope)
		logger.Infow("Permission denied", "error", msg)
		writeDetail(w, http.StatusForbidden, detail{
			Type: "permission_denied",
			Msg:  msg,
		})
		return nil
	}
	return data
}

// bootstrapData synthesizes authentication data for the bootstrap token,
// which has no entry in the backing stores.
func bootstrapData() *token.Data {
	return &token.Data{
		UserInfo: token.UserInfo{Username: "<bootstrap>"},
		Type:     token.TypeService,
		Scopes:   []string{"admin:token"},
		Created:  token.CurrentTime(),
	}
}

// verifyCSRF enforces the CSRF header on mutating cookie-authenticated
// requests. Returns false after writing the error response.
func (h *Handler) verifyCSRF(
	w http.ResponseWriter, r *http.Request, expected string,
) bool {
	if r.Method == http.MethodGet || r.Method == http.MethodOptions {
		return true
	}
	presented := r.Header.Get("X-CSRF-Token")
	msg := ""
	if presented == "" {
		msg = "CSRF token required in X-CSRF-Token header"
	} else if presented != expected {
		msg = "Invalid CSRF token"
	}
	if msg != "" {
		logger.Errorw("CSRF verification failed", "error", msg)
		writeDetail(w, http.StatusForbidden, detail{
			Loc:  []string{"header", "X-CSRF-Token"},
			Type: "invalid_csrf",
			Msg:  msg,
		})
		return false
	}
	return true
}

func (h *Handler) challenge(
	w http.ResponseWriter, errCode, msg string, status int,
) {
	value := fmt.Sprintf(`bearer realm=%q`, h.config.Realm)
	if errCode != "" {
		value += fmt.Sprintf(`, error=%q, error_description=%q`, errCode, msg)
	}
	w.Header().Set("WWW-Authenticate", value)
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	http.Error(w, msg, status)
}

// detail is one entry in a FastAPI-style error body.
type detail struct {
	Loc  []string `json:"loc,omitempty"`
	Type string   `json:"type"`
	Msg  string   `json:"msg"`
}

func writeDetail(w http.ResponseWriter, status int, details ...detail) {
	writeJSON(w, status, map[string]any{"detail": details})
}

// writeValidationError maps domain errors to their API representations.
func writeValidationError(w http.ResponseWriter, err error) {
	if verr, ok := token.AsValidationError(err); ok {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc:  verr.Loc,
			Type: verr.Type,
			Msg:  verr.Msg,
		})
		return
	}
	if errors.Is(err, token.ErrPermissionDenied) {
		writeDetail(w, http.StatusForbidden, detail{
			Type: "permission_denied",
			Msg:  err.Error(),
		})
		return
	}
	logger.Errorw("Internal error", "error", err)
	http.Error(w, "Internal Server Error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
