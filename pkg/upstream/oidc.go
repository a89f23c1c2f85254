// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

// OIDC authenticates users against a generic OpenID Connect issuer. The
// issuer's endpoints and JWKS come from discovery; ID tokens are verified
// against the configured issuer, audience, and (optionally) key IDs.
type OIDC struct {
	cfg           config.OIDCConfig
	usernameClaim string
	uidClaim      string
	oauth         oauth2.Config
	verifier      *gooidc.IDTokenVerifier
	logger        *slog.Logger
}

// NewOIDC creates the OpenID Connect relying party. redirectURL is this
// server's /login endpoint. Discovery runs once at startup.
func NewOIDC(
	ctx context.Context,
	cfg config.OIDCConfig,
	usernameClaim, uidClaim, redirectURL string,
	logger *slog.Logger,
) (*OIDC, error) {
	if logger == nil {
		logger = slog.Default()
	}
	provider, err := gooidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, gateerr.New(gateerr.CodeProvider,
			"Cannot contact upstream identity provider", err)
	}

	audience := cfg.Audience
	if audience == "" {
		audience = cfg.ClientID
	}
	scopes := []string{gooidc.ScopeOpenID}
	for _, s := range cfg.Scopes {
		if s != gooidc.ScopeOpenID {
			scopes = append(scopes, s)
		}
	}
	return &OIDC{
		cfg:           cfg,
		usernameClaim: usernameClaim,
		uidClaim:      uidClaim,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  redirectURL,
			Scopes:       scopes,
		},
		verifier: provider.Verifier(&gooidc.Config{ClientID: audience}),
		logger:   logger,
	}, nil
}

// LoginURL builds the upstream authorization URL.
func (o *OIDC) LoginURL(state string) string {
	var opts []oauth2.AuthCodeOption
	for k, v := range o.cfg.LoginParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	return o.oauth.AuthCodeURL(state, opts...)
}

// Callback redeems the code, verifies the ID token, and extracts the
// username and UID claims.
func (o *OIDC) Callback(ctx context.Context, code string) (*Identity, error) {
	oauthToken, err := o.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, gateerr.New(gateerr.CodeProvider,
			"Cannot redeem authorization code with upstream provider", err)
	}
	rawIDToken, ok := oauthToken.Extra("id_token").(string)
	if !ok {
		return nil, gateerr.New(gateerr.CodeProvider,
			"No id_token in upstream token response", nil)
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, gateerr.New(gateerr.CodeProvider,
			"Upstream ID token failed verification", err)
	}
	if len(o.cfg.KeyIDs) > 0 {
		if err := o.checkKeyID(rawIDToken); err != nil {
			return nil, err
		}
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return nil, gateerr.New(gateerr.CodeInvalidTokenClaims,
			"Cannot parse upstream ID token claims", err)
	}
	info, err := identityFromClaims(claims, o.usernameClaim, o.uidClaim)
	if err != nil {
		return nil, err
	}
	return &Identity{UserInfo: *info}, nil
}

// checkKeyID enforces the configured allow-list of upstream signing keys.
func (o *OIDC) checkKeyID(rawIDToken string) error {
	kid, err := tokenKeyID(rawIDToken)
	if err != nil {
		return gateerr.New(gateerr.CodeProvider,
			"Cannot read upstream ID token header", err)
	}
	for _, allowed := range o.cfg.KeyIDs {
		if kid == allowed {
			return nil
		}
	}
	return gateerr.New(gateerr.CodeProvider,
		fmt.Sprintf("Upstream ID token signed with disallowed key %s", kid), nil)
}

// identityFromClaims extracts the identity from verified ID token claims.
// A missing claim and a malformed claim are distinct errors so that
// operators can tell a misconfigured claim name from bad upstream data.
func identityFromClaims(claims map[string]any, usernameClaim, uidClaim string) (*token.UserInfo, error) {
	rawUsername, ok := claims[usernameClaim]
	if !ok {
		return nil, gateerr.New(gateerr.CodeMissingClaims,
			fmt.Sprintf("No %s claim in upstream ID token", usernameClaim), nil)
	}
	username, ok := rawUsername.(string)
	if !ok || username == "" {
		return nil, gateerr.New(gateerr.CodeInvalidTokenClaims,
			fmt.Sprintf("Invalid %s claim in upstream ID token", usernameClaim), nil)
	}

	info := &token.UserInfo{Username: username}
	if rawUID, ok := claims[uidClaim]; ok {
		uid, err := claimInt(rawUID)
		if err != nil {
			return nil, gateerr.New(gateerr.CodeInvalidTokenClaims,
				fmt.Sprintf("Invalid %s claim in upstream ID token", uidClaim), nil)
		}
		info.UID = uid
	}
	if name, ok := claims["name"].(string); ok {
		info.Name = name
	}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	return info, nil
}

// tokenKeyID reads the kid from a JWT header without verifying anything;
// the token has already been verified by this point.
func tokenKeyID(rawToken string) (string, error) {
	headerPart, _, ok := strings.Cut(rawToken, ".")
	if !ok {
		return "", fmt.Errorf("token is not a JWT")
	}
	headerJSON, err := base64.RawURLEncoding.DecodeString(headerPart)
	if err != nil {
		return "", fmt.Errorf("cannot decode JWT header: %w", err)
	}
	var header struct {
		KeyID string `json:"kid"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return "", fmt.Errorf("cannot parse JWT header: %w", err)
	}
	return header.KeyID, nil
}

// claimInt parses a numeric claim that may arrive as a JSON number or a
// decimal string.
func claimInt(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case string:
		var i int
		if _, err := fmt.Sscanf(n, "%d", &i); err != nil {
			return 0, err
		}
		return i, nil
	default:
		return 0, fmt.Errorf("unsupported claim type %T", v)
	}
}
