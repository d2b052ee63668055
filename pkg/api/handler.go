// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/admin"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/metrics"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// keyLength is the length of a token key in its serialized form.
const keyLength = 22

// Handler serves the /auth/api/v1 routes.
type Handler struct {
	config  *config.Config
	tokens  *tokens.Manager
	admins  *admin.Service
	cookies *session.Manager
	metrics *metrics.Metrics
}

// NewHandler creates the API handler.
func NewHandler(
	cfg *config.Config,
	manager *tokens.Manager,
	admins *admin.Service,
	cookies *session.Manager,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		config:  cfg,
		tokens:  manager,
		admins:  admins,
		cookies: cookies,
		metrics: m,
	}
}

// Routes mounts the API on a chi router.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/admins", h.getAdmins)
	r.Post("/admins", h.addAdmin)
	r.Delete("/admins/{username}", h.deleteAdmin)
	r.Get("/history/token-changes", h.getAdminTokenChangeHistory)
	r.Get("/login", h.getLogin)
	r.Get("/token-info", h.getTokenInfo)
	r.Post("/tokens", h.postAdminTokens)
	r.Get("/user-info", h.getUserInfo)
	r.Get("/users/{username}/token-change-history", h.getUserTokenChangeHistory)
	r.Get("/users/{username}/tokens", h.getTokens)
	r.Post("/users/{username}/tokens", h.postTokens)
	r.Get("/users/{username}/tokens/{key}", h.getToken)
	r.Delete("/users/{username}/tokens/{key}", h.deleteToken)
	r.Patch("/users/{username}/tokens/{key}", h.patchToken)
	r.Get("/users/{username}/tokens/{key}/change-history", h.getTokenChangeHistory)
}

// getLogin returns the session's CSRF token, identity, and the scope
// catalog, and is the first call the browser UI makes.
func (h *Handler) getLogin(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	state := h.cookies.Read(r)
	if state.CSRF == "" {
		csrf, err := session.NewCSRF()
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		state.CSRF = csrf
		if err := h.cookies.Write(w, state); err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
	}

	type scopeDescription struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	names := make([]string, 0, len(h.config.KnownScopes))
	for name := range h.config.KnownScopes {
		names = append(names, name)
	}
	sort.Strings(names)
	known := make([]scopeDescription, 0, len(names))
	for _, name := range names {
		known = append(known, scopeDescription{
			Name:        name,
			Description: h.config.KnownScopes[name],
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"csrf":     state.CSRF,
		"username": auth.Username,
		"scopes":   auth.Scopes,
		"config":   map[string]any{"scopes": known},
	})
}

// getTokenInfo returns metadata for the authenticating token itself.
func (h *Handler) getTokenInfo(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{})
	if auth == nil {
		return
	}
	info, err := h.tokens.GetTokenInfoUnchecked(r.Context(), auth.Token.Key, "")
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if info == nil {
		// The token passed Redis validation, so the database row is gone.
		logger.Warnw("Token found in Redis but not database", "token_key", auth.Token.Key)
		writeDetail(w, http.StatusNotFound, detail{
			Type: "invalid_token",
			Msg:  "Token found in Redis but not database",
		})
		return
	}
	writeJSON(w, http.StatusOK, info)
}

// getUserInfo returns the identity snapshot of the authenticating token.
func (h *Handler) getUserInfo(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{})
	if auth == nil {
		return
	}
	writeJSON(w, http.StatusOK, auth.UserInfo)
}

// userTokenRequest is the body of POST /users/{username}/tokens.
type userTokenRequest struct {
	Name    string   `json:"token_name"`
	Scopes  []string `json:"scopes"`
	Expires *int64   `json:"expires"`
}

func (h *Handler) postTokens(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, ok := h.pathUsername(w, r)
	if !ok {
		return
	}
	var req userTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc: []string{"body"}, Type: "invalid_request", Msg: "Invalid request body",
		})
		return
	}
	tok, err := h.tokens.CreateUserToken(r.Context(), auth, username,
		req.Name, req.Scopes, epochTime(req.Expires), clientIP(r))
	if err != nil {
		writeValidationError(w, err)
		return
	}
	h.metrics.TokenOperations.WithLabelValues("create").Inc()
	location := fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s",
		url.PathEscape(username), tok.Key)
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, map[string]string{"token": tok.String()})
}

// adminTokenRequest is the body of POST /tokens.
type adminTokenRequest struct {
	Username string        `json:"username"`
	Type     token.Type    `json:"token_type"`
	Name     string        `json:"token_name"`
	Scopes   []string      `json:"scopes"`
	Expires  *int64        `json:"expires"`
	FullName string        `json:"name"`
	UID      int           `json:"uid"`
	Groups   []token.Group `json:"groups"`
}

func (h *Handler) postAdminTokens(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{
		requireScope:   admin.AdminScope,
		allowBootstrap: true,
	})
	if auth == nil {
		return
	}
	var req adminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc: []string{"body"}, Type: "invalid_request", Msg: "Invalid request body",
		})
		return
	}
	tok, err := h.tokens.CreateTokenFromAdminRequest(r.Context(), &tokens.AdminTokenRequest{
		Username: req.Username,
		Type:     req.Type,
		Name:     req.Name,
		Scopes:   req.Scopes,
		Expires:  epochTime(req.Expires),
		FullName: req.FullName,
		UID:      req.UID,
		Groups:   req.Groups,
	}, auth, clientIP(r))
	if err != nil {
		writeValidationError(w, err)
		return
	}
	h.metrics.TokenOperations.WithLabelValues("create").Inc()
	location := fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s",
		url.PathEscape(req.Username), tok.Key)
	w.Header().Set("Location", location)
	writeJSON(w, http.StatusCreated, map[string]string{"token": tok.String()})
}

func (h *Handler) getTokens(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, ok := h.pathUsername(w, r)
	if !ok {
		return
	}
	infos, err := h.tokens.ListTokens(r.Context(), auth, username)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, key, ok := h.pathToken(w, r)
	if !ok {
		return
	}
	info, err := h.tokens.GetTokenInfo(r.Context(), key, auth, username)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if info == nil {
		h.tokenNotFound(w)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handler) deleteToken(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, key, ok := h.pathToken(w, r)
	if !ok {
		return
	}
	deleted, err := h.tokens.DeleteToken(r.Context(), key, auth, username, clientIP(r))
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if !deleted {
		h.tokenNotFound(w)
		return
	}
	h.metrics.TokenOperations.WithLabelValues("revoke").Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) patchToken(w http.ResponseWriter, r *http.Request) {
	auth := h.authenticate(w, r, policy{requireSession: true})
	if auth == nil {
		return
	}
	username, key, ok := h.pathToken(w, r)
	if !ok {
		return
	}

	// Decode into raw fields first: an absent expires and an explicit null
	// expires mean different things.
	var raw map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc: []string{"body"}, Type: "invalid_request", Msg: "Invalid request body",
		})
		return
	}
	var mods sqlite.Modifications
	if field, present := raw["token_name"]; present {
		var name string
		if err := json.Unmarshal(field, &name); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc: []string{"body", "token_name"}, Type: "bad_token_name",
				Msg: "token_name must be a string",
			})
			return
		}
		mods.Name = &name
	}
	if field, present := raw["scopes"]; present {
		if err := json.Unmarshal(field, &mods.Scopes); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc: []string{"body", "scopes"}, Type: "bad_scopes",
				Msg: "scopes must be a list of strings",
			})
			return
		}
	}
	if field, present := raw["expires"]; present {
		var expires *int64
		if err := json.Unmarshal(field, &expires); err != nil {
			writeDetail(w, http.StatusUnprocessableEntity, detail{
				Loc: []string{"body", "expires"}, Type: "bad_expires",
				Msg: "expires must be seconds since epoch or null",
			})
			return
		}
		if expires == nil {
			mods.NoExpire = true
		} else {
			mods.Expires = epochTime(expires)
		}
	}

	info, err := h.tokens.ModifyToken(r.Context(), key, auth, username, clientIP(r), mods)
	if err != nil {
		writeValidationError(w, err)
		return
	}
	if info == nil {
		h.tokenNotFound(w)
		return
	}
	h.metrics.TokenOperations.WithLabelValues("edit").Inc()
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handler) tokenNotFound(w http.ResponseWriter) {
	writeDetail(w, http.StatusNotFound, detail{
		Loc:  []string{"path", "token"},
		Type: "not_found",
		Msg:  "Token not found",
	})
}

// pathUsername validates the username path parameter.
func (h *Handler) pathUsername(w http.ResponseWriter, r *http.Request) (string, bool) {
	username := chi.URLParam(r, "username")
	if !config.ValidUsername(username) {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc:  []string{"path", "username"},
			Type: "bad_username",
			Msg:  fmt.Sprintf("Invalid username: %s", username),
		})
		return "", false
	}
	return username, true
}

// pathToken validates the username and key path parameters.
func (h *Handler) pathToken(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	username, ok := h.pathUsername(w, r)
	if !ok {
		return "", "", false
	}
	key := chi.URLParam(r, "key")
	if len(key) != keyLength {
		writeDetail(w, http.StatusUnprocessableEntity, detail{
			Loc:  []string{"path", "key"},
			Type: "invalid_request",
			Msg:  "Invalid token key",
		})
		return "", "", false
	}
	return username, key, true
}

// epochTime converts optional seconds since epoch into a time.
func epochTime(seconds *int64) *time.Time {
	if seconds == nil {
		return nil
	}
	t := time.Unix(*seconds, 0).UTC()
	return &t
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

var errInvalidLimit = errors.New("limit must be a positive integer")
