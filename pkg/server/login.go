// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
	"github.com/stacklok/authgate/pkg/upstream"
)

// handleLogin runs both halves of the upstream login flow: without a code
// parameter it redirects the user-agent to the upstream provider, with one
// it completes the callback and mints the session token.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	state := s.codec.Read(r)
	if r.URL.Query().Get("code") != "" {
		s.handleLoginCallback(w, r, state)
		return
	}

	returnURL := r.URL.Query().Get("rd")
	if returnURL == "" {
		returnURL = r.Header.Get("X-Auth-Request-Redirect")
	}
	if returnURL == "" {
		writeJSONError(w, http.StatusUnprocessableEntity,
			gateerr.CodeInvalidRequest, "No destination URL specified")
		return
	}
	if u, err := url.Parse(returnURL); err != nil || u.Hostname() == "" {
		writeJSONError(w, http.StatusUnprocessableEntity,
			gateerr.CodeInvalidRequest, "Invalid destination URL")
		return
	}

	// Already logged in: skip the upstream round trip.
	if state != nil && state.Token != "" {
		if t, err := token.Parse(state.Token); err == nil {
			if data, _ := s.tokens.GetData(r.Context(), t); data != nil {
				http.Redirect(w, r, returnURL, http.StatusTemporaryRedirect)
				return
			}
		}
	}

	upstreamState := cookie.NewCSRF()
	newState := &cookie.State{
		CSRF:          cookie.NewCSRF(),
		ReturnURL:     returnURL,
		UpstreamState: upstreamState,
		LoginStart:    time.Now().UTC(),
	}
	if state != nil && state.CSRF != "" {
		newState.CSRF = state.CSRF
	}
	if err := s.codec.Set(w, newState); err != nil {
		s.writeError(w, r, err)
		return
	}
	http.Redirect(w, r, s.upstream.LoginURL(upstreamState), http.StatusTemporaryRedirect)
}

// handleLoginCallback finishes the upstream flow: verifies the OAuth
// state, resolves the identity, derives scopes from group membership, and
// creates the session.
func (s *Server) handleLoginCallback(w http.ResponseWriter, r *http.Request, state *cookie.State) {
	ctx := r.Context()
	if state == nil || state.UpstreamState == "" {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "Login state missing")
		return
	}
	if r.URL.Query().Get("state") != state.UpstreamState {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "Login state mismatch")
		return
	}

	identity, err := s.upstream.Callback(ctx, r.URL.Query().Get("code"))
	if err != nil {
		switch gateerr.Code(err) {
		case gateerr.CodeMissingClaims, gateerr.CodeInvalidTokenClaims:
			writeJSONError(w, http.StatusForbidden, gateerr.Code(err), gateerr.Message(err))
		default:
			s.writeError(w, r, err)
		}
		return
	}

	// The upstream claim may carry an opaque subject rather than a
	// username; the directory maps it when configured to do so.
	username, err := s.users.ResolveUsername(identity.UserInfo.Username)
	if err != nil {
		s.alertLoginFailure(r, err)
		s.writeError(w, r, err)
		return
	}
	if username == "" {
		writeJSONError(w, http.StatusForbidden, gateerr.CodePermissionDenied,
			"Username not found in directory")
		return
	}
	identity.UserInfo.Username = username

	info, err := s.users.GetUserInfo(ctx, &token.Data{UserInfo: identity.UserInfo})
	if err != nil {
		s.alertLoginFailure(r, err)
		s.writeError(w, r, err)
		return
	}
	scopes, found, err := s.users.GetScopes(ctx, info)
	if err != nil {
		s.alertLoginFailure(r, err)
		s.writeError(w, r, err)
		return
	}
	if !found {
		writeJSONError(w, http.StatusForbidden, gateerr.CodePermissionDenied,
			"User is not a member of any authorized group")
		return
	}

	// First login seeds the admin table from configuration.
	if _, err := s.admins.Bootstrap(ctx, s.cfg.InitialAdmins); err != nil {
		s.writeError(w, r, err)
		return
	}
	admin, err := s.admins.IsAdmin(ctx, info.Username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if admin && !slices.Contains(scopes, "admin:token") {
		scopes = token.SortScopes(append(scopes, "admin:token"))
	}

	t, err := s.tokens.CreateSessionToken(ctx, *info, scopes, clientIP(ctx))
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	newState := &cookie.State{
		CSRF:   state.CSRF,
		Token:  t.String(),
		GitHub: identity.GitHubToken,
	}
	if newState.CSRF == "" {
		newState.CSRF = cookie.NewCSRF()
	}
	if err := s.codec.Set(w, newState); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger.Info("user logged in",
		"username", info.Username, "ip", clientIP(ctx))
	http.Redirect(w, r, state.ReturnURL, http.StatusTemporaryRedirect)
}

// alertLoginFailure pages the operators for login-path failures of the
// external metadata sources. The alerter deduplicates, so an LDAP outage
// pages once rather than once per login attempt.
func (s *Server) alertLoginFailure(r *http.Request, err error) {
	switch gateerr.Code(err) {
	case gateerr.CodeLDAP:
		s.alerter.Alert(r.Context(), "LDAP failure during login", err.Error())
	case gateerr.CodeExhausted:
		s.alerter.Alert(r.Context(), "ID allocation range exhausted", err.Error())
	}
}

// handleLogout revokes the session, revokes the upstream grant when the
// provider supports it, clears the cookie, and redirects.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if state := s.codec.Read(r); state != nil {
		if state.Token != "" {
			if t, err := token.Parse(state.Token); err == nil {
				if data, _ := s.tokens.GetData(ctx, t); data != nil {
					if _, err := s.tokens.Delete(ctx, t.Key, data.Username, clientIP(ctx)); err != nil {
						s.logger.Error("failed to revoke session at logout",
							"key", t.Key, "error", err.Error())
					}
				}
			}
		}
		if state.GitHub != "" {
			if revoker, ok := s.upstream.(upstream.Revoker); ok {
				if err := revoker.Revoke(ctx, state.GitHub); err != nil {
					s.logger.Error("failed to revoke GitHub grant at logout",
						"error", err.Error())
				}
			}
		}
	}
	cookie.Clear(w)

	destination := r.URL.Query().Get("rd")
	if destination == "" {
		destination = s.cfg.AfterLogoutURL
	}
	if destination == "" {
		destination = "/"
	}
	http.Redirect(w, r, destination, http.StatusTemporaryRedirect)
}
