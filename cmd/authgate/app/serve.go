// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stacklok/authgate/pkg/alert"
	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/ldap"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/oidcserver"
	"github.com/stacklok/authgate/pkg/server"
	"github.com/stacklok/authgate/pkg/storage/redisstore"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/tokenservice"
	"github.com/stacklok/authgate/pkg/upstream"
	"github.com/stacklok/authgate/pkg/userinfo"
)

var serveAddress string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway server",
	Long: `Connect to Redis and the database, wire up the configured identity
provider, and serve the authentication endpoints until interrupted.`,
	RunE: serveCmdFunc,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddress, "address", ":8080",
		"Address to listen on")
}

func serveCmdFunc(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(
		cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.Get()

	codec, err := cookie.NewCodec(cfg.SessionSecret)
	if err != nil {
		return err
	}

	kv, err := redisstore.New(ctx, redisstore.Config{
		URL:      cfg.RedisURL,
		Password: cfg.RedisPassword,
	}, codec, log)
	if err != nil {
		return err
	}
	defer kv.Close()

	db, err := sqlite.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	tokens := tokenservice.New(cfg.TokenLifetime(), kv,
		sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db), log)

	var directory userinfo.Directory
	addUserGroup := false
	if cfg.LDAP != nil {
		directory = ldap.New(*cfg.LDAP, log)
		addUserGroup = cfg.LDAP.AddUserGroup
	}
	var allocator userinfo.Allocator
	if cfg.AllocateIDs {
		allocator = sqlite.NewIDStore(db)
	}
	users := userinfo.New(directory, allocator, addUserGroup, cfg.GroupScopes, log)

	var provider *oidcserver.Provider
	if len(cfg.OIDCClients) > 0 {
		key, err := oidcserver.LoadSigningKey(cfg.Issuer.KeyFile)
		if err != nil {
			return err
		}
		provider, err = oidcserver.NewProvider(
			cfg.Issuer.Iss, cfg.Issuer.KeyID, key, cfg.OIDCClients,
			oidcserver.NewStore(kv.Client(), codec, log), tokens, log)
		if err != nil {
			return err
		}
	}

	up, err := newUpstream(ctx, cfg, log)
	if err != nil {
		return err
	}

	var alerter alert.Alerter = alert.Null{}
	if cfg.Slack != nil && cfg.Slack.WebhookURL != "" {
		alerter = alert.NewOnce(alert.NewSlack(cfg.Slack.WebhookURL, log))
	}

	srv := server.New(cfg, server.Options{
		Cookies:  codec,
		Tokens:   tokens,
		Users:    users,
		Provider: provider,
		Upstream: up,
		Admins:   sqlite.NewAdminStore(db),
		Alerter:  alerter,
		Logger:   log,
	})
	log.Info("starting server", "address", serveAddress)
	return srv.Serve(ctx, serveAddress)
}

// newUpstream builds the configured identity provider. The callback URL is
// the /login endpoint under the issuer's base URL.
func newUpstream(ctx context.Context, cfg *config.Config, log *slog.Logger) (upstream.Provider, error) {
	redirectURL := strings.TrimSuffix(cfg.Issuer.Iss, "/") + "/login"
	switch {
	case cfg.GitHub != nil:
		return upstream.NewGitHub(*cfg.GitHub, redirectURL, log), nil
	case cfg.OIDC != nil:
		return upstream.NewOIDC(ctx, *cfg.OIDC,
			cfg.UsernameClaim, cfg.UIDClaim, redirectURL, log)
	default:
		return nil, fmt.Errorf("no identity provider configured")
	}
}
