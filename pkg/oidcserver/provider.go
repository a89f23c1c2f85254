// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidcserver implements the OpenID Connect provider side of
// authgate: issuing single-use authorization codes against an
// authenticated session and redeeming them for RS256-signed ID tokens.
//
// Clients are protected services inside the same deployment (for example
// Chronograf), registered through a secrets file. The server supports
// exactly the authorization code flow.
package oidcserver

import (
	"context"
	"crypto/rsa"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"

	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

// recognizedScopes are the OpenID Connect scopes the server understands.
// Requested scopes outside this set are dropped, not rejected.
var recognizedScopes = []string{"openid", "profile", "email"}

// TokenResolver resolves the session token underlying an authorization.
type TokenResolver interface {
	GetData(ctx context.Context, t token.Token) (*token.Data, error)
}

// TokenResponse is the body of a successful token-endpoint reply. The
// access token is the ID token: clients of this server only ever present
// it back to the userinfo endpoint.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// RedeemRequest carries the form parameters of a token-endpoint request.
type RedeemRequest struct {
	GrantType    string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
}

// Provider issues and redeems authorization codes.
type Provider struct {
	issuer  string
	keyID   string
	key     *rsa.PrivateKey
	signer  jose.Signer
	clients []config.OIDCClient
	store   *Store
	tokens  TokenResolver
	logger  *slog.Logger
}

// NewProvider creates the OpenID Connect provider.
func NewProvider(
	issuer, keyID string,
	key *rsa.PrivateKey,
	clients []config.OIDCClient,
	store *Store,
	tokens TokenResolver,
	logger *slog.Logger,
) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{
			Algorithm: jose.RS256,
			Key:       jose.JSONWebKey{Key: key, KeyID: keyID, Algorithm: "RS256", Use: "sig"},
		},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token signer: %w", err)
	}
	return &Provider{
		issuer:  issuer,
		keyID:   keyID,
		key:     key,
		signer:  signer,
		clients: clients,
		store:   store,
		tokens:  tokens,
		logger:  logger,
	}, nil
}

// Client returns the registered client with the given ID, or nil.
func (p *Provider) Client(id string) *config.OIDCClient {
	for i := range p.clients {
		if p.clients[i].ID == id {
			return &p.clients[i]
		}
	}
	return nil
}

// FilterScopes drops unrecognized scopes, preserving request order.
func FilterScopes(scopes []string) []string {
	var out []string
	for _, s := range scopes {
		if slices.Contains(recognizedScopes, s) {
			out = append(out, s)
		}
	}
	return out
}

// Authorize issues a new single-use code binding the client, redirect
// URI, and the user's session token. Scopes are filtered to the
// recognized set before storage.
func (p *Provider) Authorize(
	ctx context.Context,
	clientID, redirectURI string,
	t token.Token,
	scopes []string,
	nonce string,
) (Code, error) {
	if p.Client(clientID) == nil {
		return Code{}, gateerr.InvalidClient(
			fmt.Sprintf("Unknown client_id %s", clientID))
	}
	auth := &Authorization{
		Code:        NewCode(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Token:       t,
		Scopes:      FilterScopes(scopes),
		Nonce:       nonce,
		Created:     time.Now().Truncate(time.Second).UTC(),
	}
	if err := p.store.Create(ctx, auth); err != nil {
		return Code{}, err
	}
	return auth.Code, nil
}

// Redeem validates a token request and exchanges the code for an ID
// token. The validation order is significant: parameter presence, grant
// type, client authentication, and only then anything involving the code,
// so that an unauthenticated caller learns nothing about codes.
func (p *Provider) Redeem(ctx context.Context, req RedeemRequest) (*TokenResponse, error) {
	if req.GrantType == "" || req.ClientID == "" || req.ClientSecret == "" ||
		req.Code == "" || req.RedirectURI == "" {
		return nil, gateerr.InvalidRequest("Invalid token request", nil)
	}
	if req.GrantType != "authorization_code" {
		return nil, gateerr.New(gateerr.CodeUnsupportedGrantType,
			fmt.Sprintf("Invalid grant type %s", req.GrantType), nil)
	}

	client := p.Client(req.ClientID)
	if client == nil ||
		subtle.ConstantTimeCompare([]byte(client.Secret), []byte(req.ClientSecret)) != 1 {
		return nil, gateerr.InvalidClient("Unauthorized client")
	}

	code, err := ParseCode(req.Code)
	if err != nil {
		return nil, err
	}
	auth, err := p.store.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if auth.ClientID != req.ClientID {
		return nil, gateerr.InvalidGrant(errors.New("authorization issued to another client"))
	}
	if auth.RedirectURI != req.RedirectURI {
		return nil, gateerr.InvalidGrant(errors.New("redirect URI mismatch"))
	}
	data, err := p.tokens.GetData(ctx, auth.Token)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, gateerr.InvalidGrant(errors.New("underlying token no longer valid"))
	}

	// Codes are single-use. Delete before handing out the token so that a
	// replayed request can never succeed.
	if err := p.store.Delete(ctx, code.Key); err != nil {
		return nil, err
	}

	idToken, expires, err := p.mintIDToken(auth, data)
	if err != nil {
		return nil, err
	}
	return &TokenResponse{
		AccessToken: idToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int64(time.Until(expires).Seconds()),
		Scope:       joinSpace(auth.Scopes),
	}, nil
}

// mintIDToken builds and signs the ID token for a redemption.
func (p *Provider) mintIDToken(auth *Authorization, data *token.Data) (string, time.Time, error) {
	now := time.Now().Truncate(time.Second).UTC()
	expires := data.Expires
	if expires.IsZero() {
		expires = now.Add(CodeLifetime)
	}

	claims := map[string]any{
		"iss":   p.issuer,
		"sub":   data.Username,
		"aud":   auth.ClientID,
		"iat":   now.Unix(),
		"exp":   expires.Unix(),
		"jti":   auth.Code.Key,
		"scope": joinSpace(auth.Scopes),
	}
	if slices.Contains(auth.Scopes, "profile") {
		claims["preferred_username"] = data.Username
		if data.Name != "" {
			claims["name"] = data.Name
		}
	}
	if slices.Contains(auth.Scopes, "email") && data.Email != "" {
		claims["email"] = data.Email
	}
	if auth.Nonce != "" {
		claims["nonce"] = auth.Nonce
	}

	idToken, err := jwt.Signed(p.signer).Claims(claims).Serialize()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign ID token: %w", err)
	}
	return idToken, expires, nil
}

// VerifyIDToken checks the signature and validity of an ID token this
// server issued and returns its claims. Used by the userinfo endpoint.
func (p *Provider) VerifyIDToken(idToken string) (map[string]any, error) {
	parsed, err := jwt.ParseSigned(idToken, []jose.SignatureAlgorithm{jose.RS256})
	if err != nil {
		return nil, gateerr.InvalidToken("Token is malformed", err)
	}
	var claims map[string]any
	if err := parsed.Claims(&p.key.PublicKey, &claims); err != nil {
		return nil, gateerr.InvalidToken("Token signature is invalid", err)
	}
	if iss, _ := claims["iss"].(string); iss != p.issuer {
		return nil, gateerr.InvalidToken("Token has wrong issuer", nil)
	}
	if exp, ok := claims["exp"].(float64); !ok || time.Now().Unix() >= int64(exp) {
		return nil, gateerr.InvalidToken("Token is expired", nil)
	}
	return claims, nil
}

// JWKS returns the public key set for the discovery endpoint: exactly one
// RSA key matching the signer.
func (p *Provider) JWKS() jose.JSONWebKeySet {
	return jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{
			Key:       &p.key.PublicKey,
			KeyID:     p.keyID,
			Algorithm: "RS256",
			Use:       "sig",
		}},
	}
}

// Discovery is the OpenID Connect discovery document.
type Discovery struct {
	Issuer                 string   `json:"issuer"`
	AuthorizationEndpoint  string   `json:"authorization_endpoint"`
	TokenEndpoint          string   `json:"token_endpoint"`
	UserinfoEndpoint       string   `json:"userinfo_endpoint"`
	JWKSURI                string   `json:"jwks_uri"`
	ScopesSupported        []string `json:"scopes_supported"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ResponseModesSupported []string `json:"response_modes_supported"`
	GrantTypesSupported    []string `json:"grant_types_supported"`
	SubjectTypesSupported  []string `json:"subject_types_supported"`
	IDTokenSigningAlgs     []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuth      []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery returns the discovery document, with endpoints rooted at the
// configured issuer.
func (p *Provider) Discovery() *Discovery {
	return &Discovery{
		Issuer:                 p.issuer,
		AuthorizationEndpoint:  p.issuer + "/auth/openid/login",
		TokenEndpoint:          p.issuer + "/auth/openid/token",
		UserinfoEndpoint:       p.issuer + "/auth/openid/userinfo",
		JWKSURI:                p.issuer + "/.well-known/jwks.json",
		ScopesSupported:        slices.Clone(recognizedScopes),
		ResponseTypesSupported: []string{"code"},
		ResponseModesSupported: []string{"query"},
		GrantTypesSupported:    []string{"authorization_code"},
		SubjectTypesSupported:  []string{"public"},
		IDTokenSigningAlgs:     []string{"RS256"},
		TokenEndpointAuth:      []string{"client_secret_post"},
	}
}

func joinSpace(scopes []string) string {
	return strings.Join(scopes, " ")
}
