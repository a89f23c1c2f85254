// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/oidcserver"
	"github.com/stacklok/authgate/pkg/token"
)

// handleOIDCLogin is the OpenID Connect authorization endpoint. Client
// and redirect URI problems are reported directly; once those are
// trusted, protocol errors are reported by redirecting back to the
// client, per OAuth 2.0.
func (s *Server) handleOIDCLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	clientID := q.Get("client_id")
	client := s.provider.Client(clientID)
	if client == nil {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidClient, "Unknown client_id")
		return
	}

	redirectURI := q.Get("redirect_uri")
	target, err := url.Parse(redirectURI)
	if err != nil || !sameOrigin(target, client.ReturnURI) {
		writeJSONError(w, http.StatusUnprocessableEntity,
			gateerr.CodeInvalidRequest, "redirect_uri does not match client return_uri")
		return
	}

	// The user must hold a session before any code is issued.
	data, t := s.sessionData(r)
	if data == nil {
		login := "/login?rd=" + url.QueryEscape(r.URL.RequestURI())
		http.Redirect(w, r, login, http.StatusTemporaryRedirect)
		return
	}

	state := q.Get("state")
	if responseType := q.Get("response_type"); responseType != "code" {
		redirectError(w, r, target, state, "code is the only supported response_type")
		return
	}
	scopes := strings.Fields(q.Get("scope"))
	if len(scopes) == 0 {
		redirectError(w, r, target, state, "Missing scope parameter")
		return
	}
	if !slices.Contains(scopes, "openid") {
		redirectError(w, r, target, state, "openid scope is required")
		return
	}

	code, err := s.provider.Authorize(ctx, clientID, redirectURI, t, scopes, q.Get("nonce"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	dest := *target
	dq := dest.Query()
	dq.Set("code", code.String())
	if state != "" {
		dq.Set("state", state)
	}
	dest.RawQuery = dq.Encode()
	http.Redirect(w, r, dest.String(), http.StatusTemporaryRedirect)
}

// sessionData resolves the session cookie into live token data, or nil.
func (s *Server) sessionData(r *http.Request) (*token.Data, token.Token) {
	state := s.codec.Read(r)
	if state == nil || state.Token == "" {
		return nil, token.Token{}
	}
	t, err := token.Parse(state.Token)
	if err != nil {
		return nil, token.Token{}
	}
	data, err := s.tokens.GetData(r.Context(), t)
	if err != nil || data == nil {
		return nil, token.Token{}
	}
	return data, t
}

// redirectError sends a protocol error back to the client's redirect URI
// with error and error_description query parameters.
func redirectError(w http.ResponseWriter, r *http.Request, target *url.URL, state, description string) {
	dest := *target
	q := dest.Query()
	q.Set("error", gateerr.CodeInvalidRequest)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	dest.RawQuery = q.Encode()
	http.Redirect(w, r, dest.String(), http.StatusTemporaryRedirect)
}

// sameOrigin reports whether the redirect URI shares scheme, host, and
// port with the client's registered return URI.
func sameOrigin(target *url.URL, returnURI string) bool {
	registered, err := url.Parse(returnURI)
	if err != nil {
		return false
	}
	return target.Scheme == registered.Scheme && target.Host == registered.Host
}

// handleOIDCToken is the token endpoint: it redeems an authorization code
// for an ID token. Token responses must never be cached.
func (s *Server) handleOIDCToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "Invalid token request")
		return
	}
	res, err := s.provider.Redeem(r.Context(), oidcserver.RedeemRequest{
		GrantType:    r.PostFormValue("grant_type"),
		ClientID:     r.PostFormValue("client_id"),
		ClientSecret: r.PostFormValue("client_secret"),
		Code:         r.PostFormValue("code"),
		RedirectURI:  r.PostFormValue("redirect_uri"),
	})
	if err != nil {
		switch code := gateerr.Code(err); code {
		case gateerr.CodeInvalidRequest, gateerr.CodeInvalidGrant,
			gateerr.CodeInvalidClient, gateerr.CodeUnsupportedGrantType:
			writeJSONError(w, http.StatusBadRequest, code, gateerr.Message(err))
		default:
			s.writeError(w, r, err)
		}
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleOIDCUserinfo returns the claims of a Bearer ID token this server
// issued.
func (s *Server) handleOIDCUserinfo(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if header == "" {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "No Authorization header")
		return
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || rest == "" {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "Malformed Authorization header")
		return
	}
	if !strings.EqualFold(scheme, "bearer") {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "Unknown Authorization type "+scheme)
		return
	}

	claims, err := s.provider.VerifyIDToken(strings.TrimSpace(rest))
	if err != nil {
		ch := &challenge{
			AuthType:    "bearer",
			Realm:       s.cfg.Realm,
			Code:        gateerr.CodeInvalidToken,
			Description: gateerr.Message(err),
		}
		writeChallenge(w, r, http.StatusUnauthorized, ch)
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Server) handleOIDCDiscovery(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.Discovery())
}

func (s *Server) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.provider.JWKS())
}
