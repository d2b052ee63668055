// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package login implements the interactive browser login and logout flow
// against the configured upstream identity provider.
package login

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/admin"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/metrics"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// RedirectHeader is the alternate source of the post-login destination,
// set by the ingress when it redirects an unauthenticated user.
const RedirectHeader = "X-Auth-Request-Redirect"

// Handler serves /login, /oauth2/callback, and /logout.
type Handler struct {
	config   *config.Config
	provider providers.Provider
	tokens   *tokens.Manager
	admins   *admin.Service
	cookies  *session.Manager
	metrics  *metrics.Metrics
}

// NewHandler creates the login flow handler.
func NewHandler(
	cfg *config.Config,
	provider providers.Provider,
	manager *tokens.Manager,
	admins *admin.Service,
	cookies *session.Manager,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		config:   cfg,
		provider: provider,
		tokens:   manager,
		admins:   admins,
		cookies:  cookies,
		metrics:  m,
	}
}

// Login handles both halves of the flow: the initial redirect to the
// provider and the return with an authorization code. The handler is also
// mounted at /oauth2/callback for compatibility with redirect URIs
// registered for oauth2_proxy.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("code") != "" {
		h.handleProviderReturn(w, r)
		return
	}
	h.redirectToProvider(w, r)
}

func (h *Handler) redirectToProvider(w http.ResponseWriter, r *http.Request) {
	returnURL := r.URL.Query().Get("rd")
	if returnURL == "" {
		returnURL = r.Header.Get(RedirectHeader)
	}
	if returnURL == "" {
		writeDetail(w, http.StatusBadRequest, map[string]any{
			"loc":  []string{"query", "rd"},
			"type": "return_url_missing",
			"msg":  "No return URL given",
		})
		return
	}
	if err := h.checkReturnURL(r, returnURL); err != nil {
		writeDetail(w, http.StatusBadRequest, map[string]any{
			"loc":  []string{"query", "rd"},
			"type": "bad_return_url",
			"msg":  err.Error(),
		})
		return
	}

	// Reuse pending state if a login is already in flight. Background
	// JavaScript from other tabs also lands here when the session expires,
	// and regenerating the state on each request would clobber the value an
	// in-progress authentication is about to return with.
	state := h.cookies.Read(r)
	if state.State == "" {
		fresh, err := token.RandomSegment()
		if err != nil {
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		state.State = fresh
	}
	state.ReturnURL = returnURL
	if err := h.cookies.Write(w, state); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, h.provider.AuthorizationURL(state.State), http.StatusSeeOther)
}

func (h *Handler) handleProviderReturn(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	state := h.cookies.Read(r)

	if query.Get("state") == "" || query.Get("state") != state.State {
		logger.Warnw("Authentication failed", "error", "Authentication state mismatch")
		h.metrics.Logins.WithLabelValues("state_mismatch").Inc()
		writeDetail(w, http.StatusForbidden, map[string]any{
			"loc":  []string{"query", "state"},
			"type": "state_mismatch",
			"msg":  "Authentication state mismatch",
		})
		return
	}
	if state.ReturnURL == "" {
		logger.Errorw("Authentication failed",
			"error", "return_url not present in cookie")
		writeDetail(w, http.StatusInternalServerError, map[string]any{
			"type": "return_url_not_set",
			"msg":  "Invalid authentication state: return_url not present in cookie",
		})
		return
	}

	userInfo, err := h.provider.ExchangeCode(r.Context(), query.Get("code"))
	if err != nil {
		logger.Warnw("Provider authentication failed", "error", err)
		h.metrics.Logins.WithLabelValues("provider_failed").Inc()
		writeDetail(w, http.StatusInternalServerError, map[string]any{
			"type": "provider_failed",
			"msg":  err.Error(),
		})
		return
	}

	scopes := h.scopesFromGroups(userInfo.Groups)
	isAdmin, err := h.admins.IsAdmin(r.Context(), userInfo.Username)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if isAdmin {
		scopes = append(scopes, admin.AdminScope)
		sort.Strings(scopes)
	}

	tok, err := h.tokens.CreateSessionToken(r.Context(), *userInfo, scopes, clientIP(r))
	if err != nil {
		logger.Errorw("Cannot create session token", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	returnURL := state.ReturnURL
	csrf, err := session.NewCSRF()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	newState := &session.State{Token: tok.String(), CSRF: csrf}
	if err := h.cookies.Write(w, newState); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	h.metrics.Logins.WithLabelValues("success").Inc()
	logger.Infow(
		fmt.Sprintf("Successfully authenticated user %s (%d)", userInfo.Username, userInfo.UID),
		"user", userInfo.Username,
		"token_key", tok.Key,
		"scope", strings.Join(scopes, " "),
	)
	http.Redirect(w, r, returnURL, http.StatusSeeOther)
}

// Logout revokes the session token, clears the cookie, and redirects.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	state := h.cookies.Read(r)
	if state.Token != "" {
		if tok, err := token.Parse(state.Token); err == nil {
			if data, err := h.tokens.GetData(r.Context(), tok); err == nil && data != nil {
				_, err := h.tokens.DeleteToken(
					r.Context(), tok.Key, data, data.Username, clientIP(r))
				if err != nil {
					logger.Warnw("Cannot revoke session token on logout",
						"token_key", tok.Key, "error", err)
				}
			}
		}
		logger.Infow("Successfully logged out")
	} else {
		logger.Infow("Logout of already-logged-out session")
	}
	h.cookies.Clear(w)

	target := r.URL.Query().Get("rd")
	if target == "" {
		target = h.config.AfterLogoutURL
	}
	if target == "" {
		target = "/"
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// checkReturnURL requires the destination to live on the same host this
// request was served for, so the login flow cannot be used as an open
// redirector.
func (h *Handler) checkReturnURL(r *http.Request, returnURL string) error {
	parsed, err := url.Parse(returnURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("invalid return URL: %s", returnURL)
	}
	host := r.Host
	if hostname, _, err := net.SplitHostPort(r.Host); err == nil {
		host = hostname
	}
	if parsed.Hostname() != host {
		return fmt.Errorf("return URL is not at %s", host)
	}
	return nil
}

func (h *Handler) scopesFromGroups(groups []token.Group) []string {
	seen := make(map[string]bool)
	for _, group := range groups {
		for _, scope := range h.config.GroupMapping[group.Name] {
			seen[scope] = true
		}
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes
}

func writeDetail(w http.ResponseWriter, status int, detail map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": []map[string]any{detail},
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
