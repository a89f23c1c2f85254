// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/oidcserver"
)

const oidcLoginTarget = "/auth/openid/login?response_type=code" +
	"&scope=openid+profile+unknown&client_id=some-id&state=s" +
	"&redirect_uri=" + "https%3A%2F%2Fh%3A4444%2Ffoo%3Fa%3Dbar%26b%3Dbaz"

func postToken(f *fixture, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(
		http.MethodPost, "/auth/openid/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func tokenForm(code string) url.Values {
	return url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"some-id"},
		"client_secret": {"some-secret"},
		"code":          {code},
		"redirect_uri":  {"https://h:4444/foo?a=bar&b=baz"},
	}
}

func TestOIDCProviderFlow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c, _ := f.session(t, "someuser", []string{"read:all"})

	// Authorization: redirected back to the client with a code.
	rec := get(f, oidcLoginTarget, withCookie(c))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "https", location.Scheme)
	assert.Equal(t, "h:4444", location.Host)
	assert.Equal(t, "/foo", location.Path)
	q := location.Query()
	assert.Equal(t, "bar", q.Get("a"))
	assert.Equal(t, "baz", q.Get("b"))
	assert.Equal(t, "s", q.Get("state"))
	code := q.Get("code")
	require.NotEmpty(t, code)

	// Redemption: the code becomes an ID token.
	rec = postToken(f, tokenForm(code))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "no-cache", rec.Header().Get("Pragma"))

	var res oidcserver.TokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, res.IDToken, res.AccessToken)
	assert.Equal(t, "Bearer", res.TokenType)
	assert.Equal(t, "openid profile", res.Scope)

	// The ID token works against the userinfo endpoint.
	rec = get(f, "/auth/openid/userinfo",
		withHeader("Authorization", "Bearer "+res.IDToken))
	require.Equal(t, http.StatusOK, rec.Code)
	var claims map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &claims))
	assert.Equal(t, "someuser", claims["sub"])
	assert.Equal(t, "some-id", claims["aud"])
	assert.Equal(t, "https://example.com", claims["iss"])

	// Codes are single-use.
	rec = postToken(f, tokenForm(code))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestOIDCLoginUnauthenticated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := get(f, oidcLoginTarget)
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location := rec.Header().Get("Location")
	assert.True(t, strings.HasPrefix(location, "/login?rd="), location)

	rd, err := url.QueryUnescape(strings.TrimPrefix(location, "/login?rd="))
	require.NoError(t, err)
	assert.Contains(t, rd, "/auth/openid/login?")
	assert.Contains(t, rd, "client_id=some-id")
}

func TestOIDCLoginClientValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c, _ := f.session(t, "someuser", []string{"read:all"})

	rec := get(f, "/auth/openid/login?client_id=other-id&redirect_uri=https://h:4444/foo",
		withCookie(c))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")

	// redirect_uri must share scheme, host, and port with the client's
	// registered return URI.
	rec = get(f, "/auth/openid/login?client_id=some-id&redirect_uri=https://evil:4444/foo",
		withCookie(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = get(f, "/auth/openid/login?client_id=some-id&redirect_uri=http://h:4444/foo",
		withCookie(c))
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestOIDCLoginProtocolErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c, _ := f.session(t, "someuser", []string{"read:all"})

	tests := []struct {
		name   string
		target string
	}{
		{
			name: "wrong response_type",
			target: "/auth/openid/login?response_type=token&scope=openid" +
				"&client_id=some-id&state=s&redirect_uri=https://h:4444/foo",
		},
		{
			name: "missing scope",
			target: "/auth/openid/login?response_type=code" +
				"&client_id=some-id&state=s&redirect_uri=https://h:4444/foo",
		},
		{
			name: "openid scope missing",
			target: "/auth/openid/login?response_type=code&scope=profile" +
				"&client_id=some-id&state=s&redirect_uri=https://h:4444/foo",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(f, tt.target, withCookie(c))
			require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
			location, err := url.Parse(rec.Header().Get("Location"))
			require.NoError(t, err)
			assert.Equal(t, "h:4444", location.Host)
			assert.Equal(t, "invalid_request", location.Query().Get("error"))
			assert.NotEmpty(t, location.Query().Get("error_description"))
			assert.Equal(t, "s", location.Query().Get("state"))
		})
	}
}

func TestOIDCTokenErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, c, _ := f.session(t, "someuser", []string{"read:all"})

	rec := get(f, oidcLoginTarget, withCookie(c))
	require.Equal(t, http.StatusTemporaryRedirect, rec.Code)
	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	code := location.Query().Get("code")

	// All code-related failures share one opaque message.
	for name, rewrite := range map[string]func(url.Values){
		"unknown code":   func(v url.Values) { v.Set("code", "gc-aaaaaaaaaaaaaaaaaaaaaa.aaaaaaaaaaaaaaaaaaaaaa") },
		"corrupt code":   func(v url.Values) { v.Set("code", "not-a-code") },
		"wrong redirect": func(v url.Values) { v.Set("redirect_uri", "https://h:4444/other") },
	} {
		form := tokenForm(code)
		rewrite(form)
		rec := postToken(f, form)
		assert.Equal(t, http.StatusBadRequest, rec.Code, name)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), name)
		assert.Equal(t, "invalid_grant", body.Error, name)
		assert.Equal(t, "Invalid authorization code", body.Description, name)
	}

	// Client authentication failures come first and say nothing about codes.
	form := tokenForm(code)
	form.Set("client_secret", "wrong-secret")
	rec = postToken(f, form)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid_client")

	form = tokenForm(code)
	form.Set("grant_type", "client_credentials")
	rec = postToken(f, form)
	assert.Contains(t, rec.Body.String(), "unsupported_grant_type")

	form = tokenForm(code)
	form.Del("client_secret")
	rec = postToken(f, form)
	assert.Contains(t, rec.Body.String(), "invalid_request")
}

func TestOIDCUserinfoErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := get(f, "/auth/openid/userinfo")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = get(f, "/auth/openid/userinfo",
		withHeader("Authorization", "Digest something"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Unknown Authorization type Digest")

	rec = get(f, "/auth/openid/userinfo",
		withHeader("Authorization", "Bearer not-a-jwt"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="invalid_token"`)
}

func TestWellKnown(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := get(f, "/.well-known/openid-configuration")
	require.Equal(t, http.StatusOK, rec.Code)
	var doc oidcserver.Discovery
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "https://example.com", doc.Issuer)
	assert.Equal(t, []string{"code"}, doc.ResponseTypesSupported)
	assert.Equal(t, []string{"authorization_code"}, doc.GrantTypesSupported)

	rec = get(f, "/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"kty":"RSA"`)
	assert.Contains(t, body, `"kid":"some-kid"`)
	assert.NotContains(t, body, "=")
}
