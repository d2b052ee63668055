// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package authz implements the authorization decision engine behind the
// ingress proxy's auth subrequest: credential extraction, token resolution,
// scope evaluation, optional token delegation, and identity headers.
package authz

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/authn"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/metrics"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

// Satisfy is the rule for combining multiple required scopes.
type Satisfy string

// Satisfy rules.
const (
	SatisfyAll Satisfy = "all"
	SatisfyAny Satisfy = "any"
)

// AuthType is the authentication scheme used in challenges.
type AuthType string

// Challenge schemes.
const (
	AuthTypeBearer AuthType = "bearer"
	AuthTypeBasic  AuthType = "basic"
)

// AuthConfig is the parsed configuration of one authorization subrequest.
type AuthConfig struct {
	Scopes        []string
	Satisfy       Satisfy
	AuthType      AuthType
	Notebook      bool
	DelegateTo    string
	DelegateScope []string
}

// Handler serves /auth and /auth/forbidden.
type Handler struct {
	config  *config.Config
	tokens  *tokens.Manager
	cookies *session.Manager
	metrics *metrics.Metrics
}

// NewHandler creates the decision engine handler.
func NewHandler(
	cfg *config.Config,
	manager *tokens.Manager,
	cookies *session.Manager,
	m *metrics.Metrics,
) *Handler {
	return &Handler{config: cfg, tokens: manager, cookies: cookies, metrics: m}
}

// Check handles the auth subrequest from the ingress proxy.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	defer func() { h.metrics.AuthLatency.Observe(time.Since(start).Seconds()) }()

	ac, err := parseAuthConfig(r)
	if err != nil {
		h.metrics.AuthRequests.WithLabelValues("invalid").Inc()
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	authURI := r.Header.Get("X-Original-URI")
	if authURI == "" {
		authURI = r.Header.Get("X-Original-URL")
	}
	log := logger.With(
		"auth_uri", authURI,
		"required_scope", strings.Join(ac.Scopes, " "),
		"satisfy", string(ac.Satisfy),
	)

	credential, source, err := authn.Extract(r, h.cookies)
	if err != nil {
		log.Warn("Invalid Authorization header", "error", err)
		h.metrics.AuthRequests.WithLabelValues("invalid").Inc()
		challenge := challenge{
			authType:    ac.AuthType,
			realm:       h.config.Realm,
			err:         "invalid_request",
			description: err.Error(),
		}
		w.Header().Set("WWW-Authenticate", challenge.header())
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if credential == "" {
		log.Info("No token found, returning unauthorized")
		h.metrics.AuthRequests.WithLabelValues("unauthorized").Inc()
		h.unauthorized(w, r, challenge{authType: ac.AuthType, realm: h.config.Realm},
			"Authentication required")
		return
	}

	data := h.resolve(r, credential)
	if data == nil {
		log.Warn("Invalid token", "token_source", string(source))
		h.metrics.AuthRequests.WithLabelValues("invalid_token").Inc()
		h.unauthorized(w, r, challenge{
			authType:    ac.AuthType,
			realm:       h.config.Realm,
			err:         "invalid_token",
			description: "Token is not valid",
		}, "Token is not valid")
		return
	}

	log = log.With(
		"token_key", data.Token.Key,
		"user", data.Username,
		"scope", strings.Join(data.Scopes, " "),
		"token_source", string(source),
	)

	if !satisfied(ac, data.Scopes) {
		log.Warn("Token missing required scope")
		h.metrics.AuthRequests.WithLabelValues("forbidden").Inc()
		h.forbidden(w, ac)
		return
	}

	delegated, err := h.maybeDelegate(r, ac, data)
	if err != nil {
		log.Error("Cannot create delegated token", "error", err)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	log.Info("Token authorized")
	h.metrics.AuthRequests.WithLabelValues("success").Inc()
	h.writeSuccessHeaders(w, r, ac, data, delegated)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Forbidden serves the uncached 403 page used as the ingress custom error
// page, since headers from the auth subrequest itself are not passed back
// to the client.
func (h *Handler) Forbidden(w http.ResponseWriter, r *http.Request) {
	ac, err := parseAuthConfig(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	logger.Infof("Serving uncached 403 page")
	h.forbidden(w, ac)
}

// resolve maps a presented credential to token data, or nil if invalid.
func (h *Handler) resolve(r *http.Request, credential string) *token.Data {
	tok, err := token.Parse(credential)
	if err != nil {
		return nil
	}
	data, err := h.tokens.GetData(r.Context(), tok)
	if err != nil {
		logger.Errorw("Cannot look up token", "error", err)
		return nil
	}
	return data
}

// maybeDelegate obtains a notebook or internal token when the subrequest
// asks for one.
func (h *Handler) maybeDelegate(
	r *http.Request, ac *AuthConfig, data *token.Data,
) (string, error) {
	ip := clientIP(r)
	if ac.Notebook {
		tok, err := h.tokens.GetNotebookToken(r.Context(), data, ip)
		if err != nil {
			return "", err
		}
		return tok.String(), nil
	}
	if ac.DelegateTo != "" {
		// The delegated token receives the requested subset of the scopes
		// the presenting token actually has.
		scopes := intersect(ac.DelegateScope, data.Scopes)
		tok, err := h.tokens.GetInternalToken(r.Context(), data, ac.DelegateTo, scopes, ip)
		if err != nil {
			return "", err
		}
		return tok.String(), nil
	}
	return "", nil
}

func (h *Handler) writeSuccessHeaders(
	w http.ResponseWriter,
	r *http.Request,
	ac *AuthConfig,
	data *token.Data,
	delegated string,
) {
	header := w.Header()
	header.Set("X-Auth-Request-Client-Ip", clientIP(r))
	header.Set("X-Auth-Request-User", data.Username)
	if data.UID != 0 {
		header.Set("X-Auth-Request-Uid", fmt.Sprintf("%d", data.UID))
	}
	if data.Email != "" {
		header.Set("X-Auth-Request-Email", data.Email)
	}
	if len(data.Groups) > 0 {
		names := make([]string, 0, len(data.Groups))
		for _, g := range data.Groups {
			names = append(names, g.Name)
		}
		header.Set("X-Auth-Request-Groups", strings.Join(names, ","))
	}
	header.Set("X-Auth-Request-Token-Scopes", strings.Join(data.Scopes, " "))
	header.Set("X-Auth-Request-Token-Scopes-Accepted", strings.Join(ac.Scopes, " "))
	header.Set("X-Auth-Request-Token-Scopes-Satisfy", string(ac.Satisfy))
	if delegated != "" {
		header.Set("X-Auth-Request-Token", delegated)
	}
}

// unauthorized writes a 401 response, upgraded to 403 for AJAX requests so
// the ingress does not redirect background JavaScript to the login flow.
func (h *Handler) unauthorized(
	w http.ResponseWriter, r *http.Request, c challenge, msg string,
) {
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	w.Header().Set("WWW-Authenticate", c.header())
	status := http.StatusUnauthorized
	if strings.EqualFold(r.Header.Get("X-Requested-With"), "xmlhttprequest") {
		status = http.StatusForbidden
	}
	http.Error(w, msg, status)
}

func (h *Handler) forbidden(w http.ResponseWriter, ac *AuthConfig) {
	c := challenge{
		authType:    ac.AuthType,
		realm:       h.config.Realm,
		err:         "insufficient_scope",
		description: "Token missing required scope",
		scope:       strings.Join(ac.Scopes, " "),
	}
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	w.Header().Set("WWW-Authenticate", c.header())
	http.Error(w, "Token missing required scope", http.StatusForbidden)
}

// challenge is the content of a WWW-Authenticate header.
type challenge struct {
	authType    AuthType
	realm       string
	err         string
	description string
	scope       string
}

// header serializes the challenge. Basic challenges carry only the realm;
// the RFC 6750 error attributes apply to bearer.
func (c challenge) header() string {
	out := fmt.Sprintf(`%s realm=%q`, c.authType, c.realm)
	if c.authType == AuthTypeBasic {
		return out
	}
	if c.err != "" {
		out += fmt.Sprintf(`, error=%q`, c.err)
	}
	if c.description != "" {
		out += fmt.Sprintf(`, error_description=%q`, c.description)
	}
	if c.scope != "" {
		out += fmt.Sprintf(`, scope=%q`, c.scope)
	}
	return out
}

// parseAuthConfig validates the subrequest query parameters.
func parseAuthConfig(r *http.Request) (*AuthConfig, error) {
	query := r.URL.Query()
	scopes := query["scope"]
	if len(scopes) == 0 {
		return nil, errors.New("scope parameter not set in the request")
	}
	scopes = dedupeSorted(scopes)

	satisfy := Satisfy(query.Get("satisfy"))
	if satisfy == "" {
		satisfy = SatisfyAll
	}
	if satisfy != SatisfyAll && satisfy != SatisfyAny {
		return nil, errors.New("satisfy parameter must be any or all")
	}

	authType := AuthType(query.Get("auth_type"))
	if authType == "" {
		authType = AuthTypeBearer
	}
	if authType != AuthTypeBearer && authType != AuthTypeBasic {
		return nil, errors.New("auth_type parameter must be basic or bearer")
	}

	ac := &AuthConfig{
		Scopes:        scopes,
		Satisfy:       satisfy,
		AuthType:      authType,
		DelegateTo:    query.Get("delegate_to"),
		DelegateScope: dedupeSorted(query["delegate_scope"]),
	}
	if notebook := query.Get("notebook"); notebook != "" {
		if notebook != "true" {
			return nil, errors.New("notebook parameter must be true if given")
		}
		if ac.DelegateTo != "" {
			return nil, errors.New("notebook and delegate_to are mutually exclusive")
		}
		ac.Notebook = true
	}
	return ac, nil
}

func satisfied(ac *AuthConfig, have []string) bool {
	if ac.Satisfy == SatisfyAny {
		for _, s := range ac.Scopes {
			if slices.Contains(have, s) {
				return true
			}
		}
		return false
	}
	for _, s := range ac.Scopes {
		if !slices.Contains(have, s) {
			return false
		}
	}
	return true
}

func dedupeSorted(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	out := append([]string(nil), values...)
	sort.Strings(out)
	return slices.Compact(out)
}

func intersect(a, b []string) []string {
	out := []string{}
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return out
}

// clientIP returns the request's client address without the port. The
// ingress-facing listener sits behind chi's RealIP middleware, which has
// already folded in X-Forwarded-For.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
