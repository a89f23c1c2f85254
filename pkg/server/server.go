// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package server is the HTTP surface of authgate: the /auth evaluator
// consulted by the ingress, the login and logout flow, the OpenID Connect
// provider endpoints, and the token management API.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/stacklok/authgate/pkg/alert"
	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/oidcserver"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/tokenservice"
	"github.com/stacklok/authgate/pkg/upstream"
	"github.com/stacklok/authgate/pkg/userinfo"
)

const (
	requestTimeout    = 60 * time.Second
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 10 * time.Second
)

// Options are the collaborators of the server. Provider may be nil when
// no OpenID Connect clients are configured; Alerter defaults to a no-op.
type Options struct {
	Cookies  *cookie.Codec
	Tokens   *tokenservice.Service
	Users    *userinfo.Service
	Provider *oidcserver.Provider
	Upstream upstream.Provider
	Admins   *sqlite.AdminStore
	Alerter  alert.Alerter
	Logger   *slog.Logger
}

// Server handles all authgate HTTP endpoints.
type Server struct {
	cfg      *config.Config
	codec    *cookie.Codec
	tokens   *tokenservice.Service
	users    *userinfo.Service
	provider *oidcserver.Provider
	upstream upstream.Provider
	admins   *sqlite.AdminStore
	alerter  alert.Alerter
	logger   *slog.Logger
}

// New creates the server.
func New(cfg *config.Config, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	alerter := opts.Alerter
	if alerter == nil {
		alerter = alert.Null{}
	}
	return &Server{
		cfg:      cfg,
		codec:    opts.Cookies,
		tokens:   opts.Tokens,
		users:    opts.Users,
		provider: opts.Provider,
		upstream: opts.Upstream,
		admins:   opts.Admins,
		alerter:  alerter,
		logger:   logger,
	}
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		middleware.Timeout(requestTimeout),
		s.clientIPMiddleware,
	)

	r.Get("/auth", s.handleAuth)
	r.Get("/auth/anonymous", s.handleAnonymous)
	r.Get("/login", s.handleLogin)
	r.Get("/logout", s.handleLogout)

	if s.provider != nil {
		r.Get("/auth/openid/login", s.handleOIDCLogin)
		r.Post("/auth/openid/token", s.handleOIDCToken)
		r.Get("/auth/openid/userinfo", s.handleOIDCUserinfo)
		r.Get("/.well-known/openid-configuration", s.handleOIDCDiscovery)
		r.Get("/.well-known/jwks.json", s.handleJWKS)
	}

	r.Route("/auth/tokens", func(r chi.Router) {
		r.Get("/", s.handleTokenList)
		r.Post("/", s.handleTokenCreate)
		r.Get("/all", s.handleTokenListAll)
		r.Get("/{key}", s.handleTokenInfo)
		r.Patch("/{key}", s.handleTokenModify)
		r.Delete("/{key}", s.handleTokenDelete)
		r.Get("/{key}/change-history", s.handleTokenHistory)
	})

	return r
}

// Serve runs the server until the context is canceled, then shuts down
// gracefully. The caller sets up signal handling.
func (s *Server) Serve(ctx context.Context, address string) error {
	srv := &http.Server{
		Addr:              address,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	s.logger.Info("server started", "address", address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
