// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/logger"
	"github.com/stacklok/authgate/pkg/storage/redisstore"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/tokenservice"
)

var (
	auditFix         bool
	historyRetention time.Duration
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report drift between the key-value store and the database",
	Long: `Compare the tokens known to Redis against the tokens known to the
database and report every inconsistency. With --fix, dangling entries on
either side are removed.`,
	RunE: auditCmdFunc,
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Delete expired tokens and prune old history",
	Long: `Remove database rows for tokens whose key-value entries have already
lapsed, recording an expire event for each, and prune change history older
than the retention period. Run this periodically, for example from a cron
job.`,
	RunE: expireCmdFunc,
}

func init() {
	auditCmd.Flags().BoolVar(&auditFix, "fix", false,
		"Repair inconsistencies instead of only reporting them")
	expireCmd.Flags().DurationVar(&historyRetention, "history-retention",
		365*24*time.Hour, "Delete change history older than this")
}

func auditCmdFunc(cmd *cobra.Command, _ []string) error {
	return withStores(cmd.Context(), func(ctx context.Context, svc *tokenservice.Service, _ *sqlite.DB) error {
		findings, err := svc.Audit(ctx, auditFix)
		if err != nil {
			return err
		}
		for _, finding := range findings {
			fmt.Printf("%s: %s\n", finding.Key, finding.Problem)
		}
		if len(findings) > 0 && !auditFix {
			return fmt.Errorf("found %d inconsistencies", len(findings))
		}
		return nil
	})
}

func expireCmdFunc(cmd *cobra.Command, _ []string) error {
	return withStores(cmd.Context(), func(ctx context.Context, svc *tokenservice.Service, db *sqlite.DB) error {
		expired, err := svc.ExpireTokens(ctx)
		if err != nil {
			return err
		}
		horizon := time.Now().Add(-historyRetention)
		pruned, err := sqlite.NewHistoryStore(db).DeleteBefore(ctx, horizon)
		if err != nil {
			return err
		}
		logger.Get().Info("maintenance complete",
			"expired", expired, "history_pruned", pruned)
		return nil
	})
}

// withStores connects to both stores, runs fn, and tears them down.
func withStores(ctx context.Context, fn func(context.Context, *tokenservice.Service, *sqlite.DB) error) error {
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

	svc := tokenservice.New(cfg.TokenLifetime(), kv,
		sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db), log)
	return fn(ctx, svc, db)
}
