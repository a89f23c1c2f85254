// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

func TestIdentityFromClaims(t *testing.T) {
	t.Parallel()

	claims := map[string]any{
		"uid":       "someuser",
		"uidNumber": float64(3000000),
		"name":      "Some User",
		"email":     "someuser@example.com",
	}
	info, err := identityFromClaims(claims, "uid", "uidNumber")
	require.NoError(t, err)
	assert.Equal(t, "someuser", info.Username)
	assert.Equal(t, 3000000, info.UID)
	assert.Equal(t, "Some User", info.Name)
	assert.Equal(t, "someuser@example.com", info.Email)

	// Numeric claims may arrive as decimal strings.
	claims["uidNumber"] = "3000000"
	info, err = identityFromClaims(claims, "uid", "uidNumber")
	require.NoError(t, err)
	assert.Equal(t, 3000000, info.UID)

	// A missing username claim and a malformed one are distinct errors.
	_, err = identityFromClaims(claims, "sub", "uidNumber")
	require.Error(t, err)
	assert.Equal(t, gateerr.CodeMissingClaims, gateerr.Code(err))

	claims["uid"] = 42
	_, err = identityFromClaims(claims, "uid", "uidNumber")
	require.Error(t, err)
	assert.Equal(t, gateerr.CodeInvalidTokenClaims, gateerr.Code(err))

	claims["uid"] = "someuser"
	claims["uidNumber"] = "not-a-number"
	_, err = identityFromClaims(claims, "uid", "uidNumber")
	require.Error(t, err)
	assert.Equal(t, gateerr.CodeInvalidTokenClaims, gateerr.Code(err))

	// The UID claim is optional; its absence is not an error.
	delete(claims, "uidNumber")
	info, err = identityFromClaims(claims, "uid", "uidNumber")
	require.NoError(t, err)
	assert.Zero(t, info.UID)
}

func TestTokenKeyID(t *testing.T) {
	t.Parallel()

	// eyJraWQiOiJzb21lLWtpZCJ9 is {"kid":"some-kid"}.
	kid, err := tokenKeyID("eyJraWQiOiJzb21lLWtpZCJ9.e30.sig")
	require.NoError(t, err)
	assert.Equal(t, "some-kid", kid)

	_, err = tokenKeyID("not-a-jwt")
	assert.Error(t, err)
	_, err = tokenKeyID("!!!.e30.sig")
	assert.Error(t, err)
}

func TestTeamGroupName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "some-org-some-team", teamGroupName("Some-Org", "some-team"))
	assert.Equal(t, "org-a-team", teamGroupName("org", "a team"))
}

func TestGitHubCallback(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_sometoken",
			"token_type":   "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gho_sometoken", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"login": "SomeUser", "id": 123456, "name": "Some User",
		})
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"email": "other@example.com", "primary": false},
			{"email": "someuser@example.com", "primary": true},
		})
	})
	mux.HandleFunc("/user/teams", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"slug": "some-team", "id": 1000,
				"organization": map[string]any{"login": "some-org"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := &GitHub{
		oauth: oauth2.Config{
			ClientID:     "some-client-id",
			ClientSecret: "some-client-secret",
			Endpoint: oauth2.Endpoint{
				AuthURL:  srv.URL + "/login/oauth/authorize",
				TokenURL: srv.URL + "/login/oauth/access_token",
			},
		},
		apiBase: srv.URL,
		client:  srv.Client(),
	}

	identity, err := g.Callback(context.Background(), "some-code")
	require.NoError(t, err)
	assert.Equal(t, "someuser", identity.UserInfo.Username)
	assert.Equal(t, "Some User", identity.UserInfo.Name)
	assert.Equal(t, "someuser@example.com", identity.UserInfo.Email)
	assert.Equal(t, 123456, identity.UserInfo.UID)
	assert.Equal(t, 123456, identity.UserInfo.GID)
	assert.Equal(t,
		[]token.Group{{Name: "some-org-some-team", ID: 1000}},
		identity.UserInfo.Groups)
	assert.Equal(t, "gho_sometoken", identity.GitHubToken)
}

func TestGitHubRevoke(t *testing.T) {
	t.Parallel()

	var gotAuth bool
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /applications/some-client-id/grant",
		func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			gotAuth = ok && user == "some-client-id" && pass == "some-client-secret"
			w.WriteHeader(http.StatusNoContent)
		})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := &GitHub{
		oauth: oauth2.Config{
			ClientID:     "some-client-id",
			ClientSecret: "some-client-secret",
		},
		apiBase: srv.URL,
		client:  srv.Client(),
	}
	require.NoError(t, g.Revoke(context.Background(), "gho_sometoken"))
	assert.True(t, gotAuth)
}

func TestGitHubAPIFailure(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "gho_sometoken", "token_type": "bearer",
		})
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	g := &GitHub{
		oauth: oauth2.Config{
			Endpoint: oauth2.Endpoint{TokenURL: srv.URL + "/login/oauth/access_token"},
		},
		apiBase: srv.URL,
		client:  srv.Client(),
	}
	_, err := g.Callback(context.Background(), "some-code")
	require.Error(t, err)
	assert.Equal(t, gateerr.CodeProvider, gateerr.Code(err))
}
