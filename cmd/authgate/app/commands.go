// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the authgate command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/logger"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:               "authgate",
	DisableAutoGenTag: true,
	Short:             "Authentication and authorization gateway for NGINX auth_request",
	Long: `Authgate is the authentication and authorization gateway that sits behind
the NGINX auth_request directive. It authenticates users against an upstream
identity provider (GitHub or any OpenID Connect issuer), issues opaque
bearer tokens backed by Redis and SQLite, evaluates per-route scope
requirements, and acts as an OpenID Connect provider for trusted services
behind the same ingress.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Help()
	},
}

// NewRootCmd creates the root command for the authgate CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c",
		"/etc/authgate/authgate.yaml", "Path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(expireCmd)

	return rootCmd
}

// loadConfig reads the configuration file and initializes the process
// logger at the configured level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logger.Initialize(level)
	return cfg, nil
}
