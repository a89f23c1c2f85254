// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the authgate configuration file.
//
// Secrets are never placed in the file itself; the file points at secret
// files (session secret, Redis password, client secrets, signing key) that
// are read at load time.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stacklok/authgate/pkg/ldap"
	"github.com/stacklok/authgate/pkg/logger"
)

// Defaults.
const (
	DefaultRealm         = "authgate"
	DefaultLogLevel      = "info"
	DefaultUsernameClaim = "uid"
	DefaultUIDClaim      = "uidNumber"
	DefaultExpMinutes    = 1440
)

// GitHubConfig configures GitHub as the upstream identity provider.
type GitHubConfig struct {
	ClientID         string `mapstructure:"client_id"`
	ClientSecretFile string `mapstructure:"client_secret_file"`

	// ClientSecret is loaded from ClientSecretFile.
	ClientSecret string `mapstructure:"-"`
}

// OIDCConfig configures an OpenID Connect upstream identity provider.
type OIDCConfig struct {
	// Issuer is the upstream issuer URL, used for discovery and ID token
	// verification.
	Issuer           string   `mapstructure:"issuer"`
	ClientID         string   `mapstructure:"client_id"`
	ClientSecretFile string   `mapstructure:"client_secret_file"`
	Audience         string   `mapstructure:"audience"`
	Scopes           []string `mapstructure:"scopes"`

	// KeyIDs restricts which upstream signing keys are accepted. Empty
	// means any key published in the upstream JWKS.
	KeyIDs []string `mapstructure:"key_ids"`

	// LoginParams are extra query parameters on the authorization request.
	LoginParams map[string]string `mapstructure:"login_params"`

	// ClientSecret is loaded from ClientSecretFile.
	ClientSecret string `mapstructure:"-"`
}

// IssuerConfig configures the token-issuing identity of this server.
type IssuerConfig struct {
	Iss        string `mapstructure:"iss"`
	KeyID      string `mapstructure:"key_id"`
	KeyFile    string `mapstructure:"key_file"`
	ExpMinutes int    `mapstructure:"exp_minutes"`

	Aud struct {
		Default  string `mapstructure:"default"`
		Internal string `mapstructure:"internal"`
	} `mapstructure:"aud"`

	// InfluxDB token issuance for authenticated metrics dashboards.
	InfluxDBSecretFile string `mapstructure:"influxdb_secret_file"`
	InfluxDBUsername   string `mapstructure:"influxdb_username"`

	// InfluxDBSecret is loaded from InfluxDBSecretFile.
	InfluxDBSecret string `mapstructure:"-"`
}

// OIDCClient is one registered client of the OpenID Connect server,
// loaded from the oidc_server_secrets_file JSON document.
type OIDCClient struct {
	ID        string `json:"id"`
	Secret    string `json:"secret"`
	ReturnURI string `json:"return_uri"`
}

// SlackConfig configures alerting on uncaught server errors.
type SlackConfig struct {
	WebhookURLFile string `mapstructure:"webhook_url_file"`

	// WebhookURL is loaded from WebhookURLFile.
	WebhookURL string `mapstructure:"-"`
}

// Config is the full authgate configuration.
type Config struct {
	Realm    string `mapstructure:"realm"`
	LogLevel string `mapstructure:"loglevel"`

	SessionSecretFile string `mapstructure:"session_secret_file"`
	RedisURL          string `mapstructure:"redis_url"`
	RedisPasswordFile string `mapstructure:"redis_password_file"`
	DatabaseURL       string `mapstructure:"database_url"`

	Proxies        []string `mapstructure:"proxies"`
	AfterLogoutURL string   `mapstructure:"after_logout_url"`
	UsernameClaim  string   `mapstructure:"username_claim"`
	UIDClaim       string   `mapstructure:"uid_claim"`

	// AllocateIDs assigns UIDs and GIDs from the database allocator
	// instead of taking them from LDAP or the upstream claims.
	AllocateIDs bool `mapstructure:"allocate_ids"`

	Issuer IssuerConfig `mapstructure:"issuer"`

	InitialAdmins []string `mapstructure:"initial_admins"`

	GitHub *GitHubConfig `mapstructure:"github"`
	OIDC   *OIDCConfig   `mapstructure:"oidc"`
	LDAP   *ldap.Config  `mapstructure:"ldap"`
	Slack  *SlackConfig  `mapstructure:"slack"`

	OIDCServerSecretsFile string `mapstructure:"oidc_server_secrets_file"`

	KnownScopes  map[string]string   `mapstructure:"known_scopes"`
	GroupMapping map[string][]string `mapstructure:"group_mapping"`

	// Loaded secrets and derived state, not part of the file.
	SessionSecret string              `mapstructure:"-"`
	RedisPassword string              `mapstructure:"-"`
	OIDCClients   []OIDCClient        `mapstructure:"-"`
	ProxyCIDRs    []*net.IPNet        `mapstructure:"-"`
	GroupScopes   map[string][]string `mapstructure:"-"`
}

// Load reads, validates, and resolves the configuration file.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("realm", DefaultRealm)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("username_claim", DefaultUsernameClaim)
	v.SetDefault("uid_claim", DefaultUIDClaim)
	v.SetDefault("issuer.exp_minutes", DefaultExpMinutes)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid loglevel: %w", err)
	}
	if c.GitHub != nil && c.OIDC != nil {
		return fmt.Errorf("exactly one of github and oidc may be configured, not both")
	}
	if c.GitHub == nil && c.OIDC == nil {
		return fmt.Errorf("one of github or oidc must be configured")
	}
	if len(c.InitialAdmins) == 0 {
		return fmt.Errorf("initial_admins must not be empty")
	}
	for scope := range c.GroupMapping {
		if _, ok := c.KnownScopes[scope]; !ok {
			return fmt.Errorf("group_mapping refers to unknown scope %q", scope)
		}
	}
	return nil
}

// resolve loads secret files, parses proxy CIDRs, and inverts the group
// mapping into group -> scopes form.
func (c *Config) resolve() error {
	var err error
	if c.SessionSecret, err = readSecret(c.SessionSecretFile); err != nil {
		return err
	}
	if c.RedisPassword, err = readSecret(c.RedisPasswordFile); err != nil {
		return err
	}
	if c.GitHub != nil {
		if c.GitHub.ClientSecret, err = readSecret(c.GitHub.ClientSecretFile); err != nil {
			return err
		}
	}
	if c.OIDC != nil {
		if c.OIDC.ClientSecret, err = readSecret(c.OIDC.ClientSecretFile); err != nil {
			return err
		}
	}
	if c.Issuer.InfluxDBSecretFile != "" {
		if c.Issuer.InfluxDBSecret, err = readSecret(c.Issuer.InfluxDBSecretFile); err != nil {
			return err
		}
	}
	if c.Slack != nil {
		if c.Slack.WebhookURL, err = readSecret(c.Slack.WebhookURLFile); err != nil {
			return err
		}
	}
	if c.LDAP != nil && c.LDAP.BindDN != "" {
		c.LDAP.BindPassword = os.Getenv("AUTHGATE_LDAP_PASSWORD")
	}

	if c.OIDCServerSecretsFile != "" {
		blob, err := os.ReadFile(c.OIDCServerSecretsFile)
		if err != nil {
			return fmt.Errorf("failed to read OIDC server secrets: %w", err)
		}
		if err := json.Unmarshal(blob, &c.OIDCClients); err != nil {
			return fmt.Errorf("failed to parse OIDC server secrets: %w", err)
		}
	}

	for _, cidr := range c.Proxies {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			return fmt.Errorf("invalid proxy CIDR %q: %w", cidr, err)
		}
		c.ProxyCIDRs = append(c.ProxyCIDRs, network)
	}

	c.GroupScopes = make(map[string][]string)
	for scope, groups := range c.GroupMapping {
		for _, group := range groups {
			c.GroupScopes[group] = append(c.GroupScopes[group], scope)
		}
	}
	return nil
}

// TokenLifetime is the lifetime of newly issued session and derived
// tokens.
func (c *Config) TokenLifetime() time.Duration {
	return time.Duration(c.Issuer.ExpMinutes) * time.Minute
}

// IsKnownScope reports whether a scope is declared in known_scopes.
func (c *Config) IsKnownScope(scope string) bool {
	_, ok := c.KnownScopes[scope]
	return ok
}

func readSecret(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read secret file: %w", err)
	}
	return strings.TrimSpace(string(blob)), nil
}
