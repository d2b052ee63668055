// SPDX-FileCopyrightText: Copyright 2026 AURA/LSST
// SPDX-License-Identifier: MIT

// Package server assembles the gateway: storage, services, handlers, and
// the HTTP server itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lsst-sqre/gafaelfawr/pkg/admin"
	"github.com/lsst-sqre/gafaelfawr/pkg/api"
	"github.com/lsst-sqre/gafaelfawr/pkg/authz"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/crypto"
	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/login"
	"github.com/lsst-sqre/gafaelfawr/pkg/metrics"
	"github.com/lsst-sqre/gafaelfawr/pkg/oidcserver"
	"github.com/lsst-sqre/gafaelfawr/pkg/providers"
	githubprovider "github.com/lsst-sqre/gafaelfawr/pkg/providers/github"
	oidcprovider "github.com/lsst-sqre/gafaelfawr/pkg/providers/oidc"
	"github.com/lsst-sqre/gafaelfawr/pkg/session"
	redisstore "github.com/lsst-sqre/gafaelfawr/pkg/storage/redis"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlite"
	"github.com/lsst-sqre/gafaelfawr/pkg/tokens"
)

const (
	readHeaderTimeout = 10 * time.Second

	// expireInterval is how often the expired token sweep runs.
	expireInterval = time.Hour
)

// Server is the assembled gateway.
type Server struct {
	config  *config.Config
	router  chi.Router
	tokens  *tokens.Manager
	store   *redisstore.TokenStore
	db      *sqlite.DB
	metrics *metrics.Metrics
}

// New builds the full gateway from configuration: storage connections,
// services, and all HTTP routes.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	envelope, err := crypto.NewEnvelope(cfg.SessionSecrets)
	if err != nil {
		return nil, fmt.Errorf("failed to create session envelope: %w", err)
	}
	cookies := session.NewManager(envelope)

	store, err := redisstore.NewTokenStore(cfg.RedisURL, envelope)
	if err != nil {
		return nil, err
	}
	if err := store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("cannot reach Redis: %w", err)
	}

	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	manager := tokens.NewManager(cfg, store, sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db))
	admins := admin.NewService(sqlite.NewAdminStore(db))
	if err := admins.Bootstrap(ctx, cfg.InitialAdmins); err != nil {
		return nil, fmt.Errorf("failed to bootstrap admins: %w", err)
	}

	provider, err := newProvider(ctx, cfg)
	if err != nil {
		return nil, err
	}

	m := metrics.New()
	authzHandler := authz.NewHandler(cfg, manager, cookies, m)
	loginHandler := login.NewHandler(cfg, provider, manager, admins, cookies, m)
	apiHandler := api.NewHandler(cfg, manager, admins, cookies, m)

	proxies, err := trustedProxies(cfg.Proxies)
	if err != nil {
		return nil, fmt.Errorf("invalid proxies configuration: %w", err)
	}

	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		realIP(proxies),
		requestLogger,
		middleware.Recoverer,
	)

	r.Get("/auth", authzHandler.Check)
	r.Get("/auth/forbidden", authzHandler.Forbidden)
	r.Get("/login", loginHandler.Login)
	r.Get("/oauth2/callback", loginHandler.Login)
	r.Get("/logout", loginHandler.Logout)
	r.Route("/auth/api/v1", apiHandler.Routes)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	// The token management UI is a static bundle served when its path is
	// configured.
	if uiPath := os.Getenv(config.UIPathEnv); uiPath != "" {
		files := http.StripPrefix("/auth/tokens/", http.FileServer(http.Dir(uiPath)))
		r.Handle("/auth/tokens/*", files)
	}

	// The OpenID Connect server is optional: it only runs when downstream
	// clients are registered.
	if len(cfg.OIDCClients) > 0 {
		key, err := keys.Load(cfg.Issuer.KeyFile)
		if err != nil {
			return nil, err
		}
		issuer := oidcserver.NewIssuer(&cfg.Issuer, key)
		codes := oidcserver.NewCodeStore(store.Client(), envelope)
		oidcHandler := oidcserver.NewHandler(cfg, manager, cookies, codes, issuer)
		r.Get("/auth/openid/login", oidcHandler.Authorize)
		r.Post("/auth/openid/token", oidcHandler.Token)
		r.Get("/auth/openid/userinfo", oidcHandler.UserInfo)
		r.Get("/.well-known/openid-configuration", oidcHandler.Configuration)
		r.Get("/.well-known/jwks.json", oidcHandler.JWKS)
	}

	return &Server{
		config:  cfg,
		router:  r,
		tokens:  manager,
		store:   store,
		db:      db,
		metrics: m,
	}, nil
}

// Router returns the assembled route table. Used by tests.
func (s *Server) Router() chi.Router {
	return s.router
}

// Serve runs the HTTP server until the context is canceled, then shuts
// down gracefully.
func (s *Server) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		BaseContext:       func(net.Listener) context.Context { return ctx },
		Addr:              address,
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go s.expireLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Infof("Server stopped")
	return s.Close()
}

// Close releases storage connections.
func (s *Server) Close() error {
	storeErr := s.store.Close()
	dbErr := s.db.Close()
	if storeErr != nil {
		return storeErr
	}
	return dbErr
}

// expireLoop periodically sweeps expired token rows out of the database.
// The Redis entries lapse on their own via TTL.
func (s *Server) expireLoop(ctx context.Context) {
	ticker := time.NewTicker(expireInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.tokens.ExpireTokens(ctx); err != nil {
				logger.Errorw("Expired token sweep failed", "error", err)
			}
		}
	}
}

// newProvider creates the configured upstream identity provider.
func newProvider(ctx context.Context, cfg *config.Config) (providers.Provider, error) {
	if cfg.GitHub != nil {
		return githubprovider.New(cfg), nil
	}
	return oidcprovider.New(ctx, cfg)
}

// defaultProxies are the networks trusted to set X-Forwarded-For when the
// proxies setting is absent. Ingress controllers normally live on private
// addresses.
var defaultProxies = []string{"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16"}

func trustedProxies(cidrs []string) ([]*net.IPNet, error) {
	if len(cidrs) == 0 {
		cidrs = defaultProxies
	}
	networks := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy CIDR %q: %w", cidr, err)
		}
		networks = append(networks, network)
	}
	return networks, nil
}

// realIP rewrites RemoteAddr from X-Forwarded-For, skipping trusted proxy
// hops from the right. Unlike chi's RealIP it does not trust the header
// blindly, so a client cannot spoof its address past the ingress.
func realIP(proxies []*net.IPNet) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if ip := resolveClientIP(r.Header.Get("X-Forwarded-For"), proxies); ip != "" {
				r.RemoteAddr = ip
			}
			next.ServeHTTP(w, r)
		})
	}
}

// resolveClientIP returns the rightmost X-Forwarded-For entry that is not a
// trusted proxy, or the leftmost entry when every hop is trusted.
func resolveClientIP(forwarded string, proxies []*net.IPNet) string {
	if forwarded == "" {
		return ""
	}
	entries := strings.Split(forwarded, ",")
	var leftmost string
	for i := len(entries) - 1; i >= 0; i-- {
		ip := net.ParseIP(strings.TrimSpace(entries[i]))
		if ip == nil {
			return ""
		}
		leftmost = ip.String()
		if !ipInAny(ip, proxies) {
			return leftmost
		}
	}
	return leftmost
}

func ipInAny(ip net.IP, networks []*net.IPNet) bool {
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// requestLogger logs one line per request with the bound request id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		logger.Infow("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", r.RemoteAddr,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
