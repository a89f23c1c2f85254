// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/oidcserver"
	"github.com/stacklok/authgate/pkg/storage/redisstore"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/token"
	"github.com/stacklok/authgate/pkg/tokenservice"
	"github.com/stacklok/authgate/pkg/upstream"
	"github.com/stacklok/authgate/pkg/userinfo"
)

// fakeUpstream is a canned upstream identity provider.
type fakeUpstream struct {
	identity *upstream.Identity
	err      error

	mu      sync.Mutex
	revoked []string
}

func (f *fakeUpstream) LoginURL(state string) string {
	return "https://idp.example.com/authorize?state=" + state
}

func (f *fakeUpstream) Callback(_ context.Context, _ string) (*upstream.Identity, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.identity, nil
}

func (f *fakeUpstream) Revoke(_ context.Context, accessToken string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, accessToken)
	return nil
}

type fixture struct {
	server   *Server
	handler  http.Handler
	cfg      *config.Config
	codec    *cookie.Codec
	kv       *redisstore.Store
	tokens   *tokenservice.Service
	admins   *sqlite.AdminStore
	upstream *fakeUpstream
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	secret := make([]byte, 32)
	_, err := rand.Read(secret)
	require.NoError(t, err)
	codec, err := cookie.NewCodec(base64.RawURLEncoding.EncodeToString(secret))
	require.NoError(t, err)
	kv := redisstore.NewWithClient(client, codec, nil)

	db, err := sqlite.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	tokens := tokenservice.New(
		time.Hour, kv, sqlite.NewTokenStore(db), sqlite.NewHistoryStore(db), nil)
	admins := sqlite.NewAdminStore(db)

	cfg := &config.Config{
		Realm: "authgate",
		Issuer: config.IssuerConfig{
			Iss:        "https://example.com",
			KeyID:      "some-kid",
			ExpMinutes: 60,
		},
		InitialAdmins: []string{"someadmin"},
		KnownScopes: map[string]string{
			"exec:admin":  "administration",
			"exec:test":   "testing",
			"read:all":    "read everything",
			"user:token":  "manage tokens",
			"admin:token": "manage all tokens",
		},
		AfterLogoutURL: "https://example.com/landing",
	}

	users := userinfo.New(nil, nil, false,
		map[string][]string{"some-group": {"exec:test"}}, nil)

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clients := []config.OIDCClient{
		{ID: "some-id", Secret: "some-secret", ReturnURI: "https://h:4444/foo"},
	}
	provider, err := oidcserver.NewProvider(
		cfg.Issuer.Iss, cfg.Issuer.KeyID, key, clients,
		oidcserver.NewStore(client, codec, nil), tokens, nil)
	require.NoError(t, err)

	up := &fakeUpstream{
		identity: &upstream.Identity{
			UserInfo: token.UserInfo{
				Username: "someuser",
				Name:     "Some User",
				Email:    "someuser@example.com",
				UID:      1000,
				Groups:   []token.Group{{Name: "some-group", ID: 1000}},
			},
			GitHubToken: "gho_sometoken",
		},
	}

	srv := New(cfg, Options{
		Cookies:  codec,
		Tokens:   tokens,
		Users:    users,
		Provider: provider,
		Upstream: up,
		Admins:   admins,
	})
	return &fixture{
		server:   srv,
		handler:  srv.Router(),
		cfg:      cfg,
		codec:    codec,
		kv:       kv,
		tokens:   tokens,
		admins:   admins,
		upstream: up,
	}
}

// session creates a live session token and returns it with a browser
// cookie carrying it and the CSRF value stored alongside.
func (f *fixture) session(t *testing.T, username string, scopes []string) (token.Token, *http.Cookie, string) {
	t.Helper()
	tok, err := f.tokens.CreateSessionToken(context.Background(),
		token.UserInfo{Username: username, Email: username + "@example.com"},
		scopes, "127.0.0.1")
	require.NoError(t, err)

	csrf := cookie.NewCSRF()
	value, err := f.codec.Encrypt(&cookie.State{CSRF: csrf, Token: tok.String()})
	require.NoError(t, err)
	return tok, &http.Cookie{Name: cookie.Name, Value: value}, csrf
}
