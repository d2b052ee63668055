// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

package oidcserver

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"

	"github.com/lsst-sqre/gafaelfawr/pkg/authn"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// Handler serves the downstream OpenID Connect endpoints.
type Handler struct {
	config  *config.Config
	tokens  *tokens.Manager
	cookies *session.Manager
	codes   *CodeStore
	issuer  *Issuer
}

// NewHandler creates the OpenID Connect server handler.
func NewHandler(
	cfg *config.Config,
	manager *tokens.Manager,
	cookies *session.Manager,
	codes *CodeStore,
	issuer *Issuer,
) *Handler {
	return &Handler{
		config:  cfg,
		tokens:  manager,
		cookies: cookies,
		codes:   codes,
		issuer:  issuer,
	}
}

// Authorize handles GET /auth/openid/login: the authorization endpoint for
// browser sessions. Unauthenticated users are bounced through /login and
// come back here with a session.
func (h *Handler) Authorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	if clientID == "" || redirectURI == "" {
		writeUnprocessable(w, "client_id and redirect_uri are required")
		return
	}

	state := h.cookies.Read(r)
	data := h.sessionData(r, state)
	if data == nil {
		loginURL := "/login?rd=" + url.QueryEscape(requestURL(r))
		logger.Infow("Redirecting user for authentication", "return_url", redirectURI)
		http.Redirect(w, r, loginURL, http.StatusTemporaryRedirect)
		return
	}

	if !h.knownClient(clientID) {
		msg := fmt.Sprintf("Unknown client_id %s in OpenID Connect request", clientID)
		logger.Warnw("Invalid request", "error", msg, "return_url", redirectURI)
		http.Error(w, msg, http.StatusBadRequest)
		return
	}
	if err := h.checkRedirectURI(r, redirectURI); err != nil {
		logger.Warnw("Invalid request", "error", err.Error(), "return_url", redirectURI)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Protocol errors past this point go back to the client via the
	// redirect URI, per OAuth 2.0 Section 4.1.2.1.
	if query.Get("response_type") == "" {
		h.redirectError(w, r, redirectURI, "Missing response_type parameter")
		return
	}
	if query.Get("response_type") != "code" {
		h.redirectError(w, r, redirectURI, "code is the only supported response_type")
		return
	}
	if query.Get("scope") == "" {
		h.redirectError(w, r, redirectURI, "Missing scope parameter")
		return
	}
	if query.Get("scope") != "openid" {
		h.redirectError(w, r, redirectURI, "openid is the only supported scope")
		return
	}

	code, err := NewCode()
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	err = h.codes.Store(r.Context(), code, clientID, redirectURI, data.Token.String())
	if err != nil {
		logger.Errorw("Cannot store authorization code", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, "Invalid redirect_uri", http.StatusBadRequest)
		return
	}
	params := target.Query()
	params.Set("code", code.String())
	if state := query.Get("state"); state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	logger.Infow("Returned OpenID Connect authorization code",
		"user", data.Username, "return_url", redirectURI)
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

// Token handles POST /auth/openid/token: redeeming an authorization code
// for a signed JWT.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.tokenError(w, "invalid_request", "Invalid token request")
		return
	}
	grantType := r.PostFormValue("grant_type")
	clientID := r.PostFormValue("client_id")
	codeStr := r.PostFormValue("code")
	redirectURI := r.PostFormValue("redirect_uri")
	if grantType == "" || clientID == "" || codeStr == "" || redirectURI == "" {
		logger.Warnw("Invalid request", "error", "Invalid token request")
		h.tokenError(w, "invalid_request", "Invalid token request")
		return
	}
	if grantType != "authorization_code" {
		msg := fmt.Sprintf("Invalid grant type %s", grantType)
		logger.Warnw("Unsupported grant type", "error", msg)
		h.tokenError(w, "unsupported_grant_type", msg)
		return
	}
	code, err := ParseCode(codeStr)
	if err != nil {
		h.tokenError(w, "invalid_grant", "Invalid authorization code")
		return
	}
	if err := h.authenticateClient(clientID, r.PostFormValue("client_secret")); err != nil {
		logger.Warnw("Unauthorized client", "error", err.Error())
		h.tokenError(w, "invalid_client", err.Error())
		return
	}

	grant, err := h.codes.Redeem(r.Context(), code)
	if errors.Is(err, storage.ErrNotFound) {
		logger.Warnw("Invalid authorization code",
			"error", fmt.Sprintf("Unknown authorization code %s", code.Key))
		h.tokenError(w, "invalid_grant", "Invalid authorization code")
		return
	}
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if grant.ClientID != clientID || grant.RedirectURI != redirectURI {
		logger.Warnw("Invalid authorization code",
			"error", "Authorization code does not match request")
		h.tokenError(w, "invalid_grant", "Invalid authorization code")
		return
	}

	sessionToken, err := token.Parse(grant.Token)
	if err != nil {
		h.tokenError(w, "invalid_grant", "Invalid authorization code")
		return
	}
	data, err := h.tokens.GetData(r.Context(), sessionToken)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if data == nil {
		logger.Warnw("Invalid authorization code",
			"error", "Underlying session token is no longer valid")
		h.tokenError(w, "invalid_grant", "Invalid authorization code")
		return
	}

	idToken, err := h.issuer.Issue(data, code.Key)
	if err != nil {
		logger.Errorw("Cannot issue JWT", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	logger.Infow(
		fmt.Sprintf("Retrieved token for user %s via OpenID Connect", data.Username),
		"user", data.Username, "token_key", code.Key)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token": idToken,
		"token_type":   "Bearer",
		"expires_in":   int(h.issuer.Lifetime().Seconds()),
		"id_token":     idToken,
	})
}

// UserInfo handles GET /auth/openid/userinfo, returning the claims of a
// presented JWT.
func (h *Handler) UserInfo(w http.ResponseWriter, r *http.Request) {
	credential, _, err := authn.FromAuthorization(r)
	if err != nil || credential == "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`bearer realm=%q`, h.config.Realm))
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}
	verified, err := h.issuer.Verify(credential)
	if err != nil {
		logger.Warnw("Invalid JWT", "error", err)
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(
			`bearer realm=%q, error="invalid_token", error_description="Invalid JWT"`,
			h.config.Realm))
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}
	claims := make(map[string]any)
	for _, name := range verified.Keys() {
		var value any
		if err := verified.Get(name, &value); err == nil {
			claims[name] = value
		}
	}
	writeJSON(w, http.StatusOK, claims)
}

// Configuration handles GET /.well-known/openid-configuration.
func (h *Handler) Configuration(w http.ResponseWriter, _ *http.Request) {
	issuer := h.config.Issuer.Issuer
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/auth/openid/login",
		"token_endpoint":                        issuer + "/auth/openid/token",
		"userinfo_endpoint":                     issuer + "/auth/openid/userinfo",
		"jwks_uri":                              issuer + "/.well-known/jwks.json",
		"response_types_supported":              []string{"code"},
		"subject_types_supported":               []string{"public"},
		"grant_types_supported":                 []string{"authorization_code"},
		"scopes_supported":                      []string{"openid"},
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_post"},
	})
}

// JWKS handles GET /.well-known/jwks.json.
func (h *Handler) JWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.issuer.key.JWKS())
}

// sessionData resolves the cookie session to token data, or nil.
func (h *Handler) sessionData(r *http.Request, state *session.State) *token.Data {
	if state.Token == "" {
		return nil
	}
	tok, err := token.Parse(state.Token)
	if err != nil {
		return nil
	}
	data, err := h.tokens.GetData(r.Context(), tok)
	if err != nil {
		return nil
	}
	return data
}

func (h *Handler) knownClient(clientID string) bool {
	for _, client := range h.config.OIDCClients {
		if client.ID == clientID {
			return true
		}
	}
	return false
}

func (h *Handler) authenticateClient(clientID, clientSecret string) error {
	if clientSecret == "" {
		return errors.New("No client_secret provided")
	}
	for _, client := range h.config.OIDCClients {
		if client.ID == clientID {
			if subtle.ConstantTimeCompare([]byte(client.Secret), []byte(clientSecret)) == 1 {
				return nil
			}
			return fmt.Errorf("Invalid secret for %s", clientID)
		}
	}
	return fmt.Errorf("Unknown client ID %s", clientID)
}

// checkRedirectURI requires the redirect URI to be at this deployment's
// host, matching the policy for login return URLs.
func (h *Handler) checkRedirectURI(r *http.Request, redirectURI string) error {
	parsed, err := url.Parse(redirectURI)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("invalid redirect_uri: %s", redirectURI)
	}
	host := r.Host
	if hostname, _, err := net.SplitHostPort(r.Host); err == nil {
		host = hostname
	}
	if parsed.Hostname() != host {
		return fmt.Errorf("URL is not at %s", host)
	}
	return nil
}

// redirectError reports a protocol error back to the relying party.
func (h *Handler) redirectError(
	w http.ResponseWriter, r *http.Request, redirectURI, description string,
) {
	logger.Warnw("Invalid request", "error", description, "return_url", redirectURI)
	target, err := url.Parse(redirectURI)
	if err != nil {
		http.Error(w, description, http.StatusBadRequest)
		return
	}
	params := target.Query()
	params.Set("error", "invalid_request")
	params.Set("error_description", description)
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

func (h *Handler) tokenError(w http.ResponseWriter, code, description string) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":             code,
		"error_description": description,
	})
}

func writeUnprocessable(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
		"detail": []map[string]any{{
			"loc":  []string{"query"},
			"type": "value_error.missing",
			"msg":  msg,
		}},
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "http" {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
