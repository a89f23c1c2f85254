// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/base64"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/stacklok/authgate/pkg/cookie"
	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
	"github.com/stacklok/authgate/pkg/tokenservice"
)

// errNoToken means the request carried neither a session cookie nor an
// Authorization header.
var errNoToken = errors.New("no token presented")

// authRequest is the parsed query of an /auth sub-request.
type authRequest struct {
	scopes           []string
	satisfy          string
	authType         string
	notebook         bool
	delegateTo       string
	delegateScopes   []string
	minimumLifetime  time.Duration
	useAuthorization bool
	username         string
}

// requiredScopes is the scope set the token must satisfy. Scopes
// requested for a delegated token are implicitly required on the parent.
func (a *authRequest) requiredScopes() []string {
	return token.SortScopes(append(slices.Clone(a.scopes), a.delegateScopes...))
}

// parseAuthRequest validates the /auth query string. All failures here
// are the caller's configuration errors, reported as 422 by the handler.
func parseAuthRequest(r *http.Request, lifetime time.Duration) (*authRequest, *gateerr.Error) {
	q := r.URL.Query()
	req := &authRequest{
		scopes:     q["scope"],
		satisfy:    q.Get("satisfy"),
		authType:   q.Get("auth_type"),
		delegateTo: q.Get("delegate_to"),
		username:   q.Get("username"),
	}
	if len(req.scopes) == 0 {
		return nil, gateerr.InvalidRequest("At least one scope parameter is required", nil)
	}
	switch req.satisfy {
	case "":
		req.satisfy = "all"
	case "any", "all":
	default:
		return nil, gateerr.InvalidRequest("satisfy must be any or all", nil)
	}
	switch req.authType {
	case "":
		req.authType = "bearer"
	case "bearer", "basic":
	default:
		return nil, gateerr.InvalidRequest("auth_type must be bearer or basic", nil)
	}

	var err error
	if req.notebook, err = boolParam(q.Get("notebook")); err != nil {
		return nil, gateerr.InvalidRequest("notebook must be a boolean", nil)
	}
	if req.useAuthorization, err = boolParam(q.Get("use_authorization")); err != nil {
		return nil, gateerr.InvalidRequest("use_authorization must be a boolean", nil)
	}
	if raw := q.Get("delegate_scope"); raw != "" {
		for _, scope := range strings.Split(raw, ",") {
			if scope = strings.TrimSpace(scope); scope != "" {
				req.delegateScopes = append(req.delegateScopes, scope)
			}
		}
	}
	if raw := q.Get("minimum_lifetime"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 0 {
			return nil, gateerr.InvalidRequest("minimum_lifetime must be a non-negative integer", nil)
		}
		req.minimumLifetime = time.Duration(seconds) * time.Second
		if req.minimumLifetime < tokenservice.MinimumTokenLifetime {
			return nil, gateerr.New(gateerr.CodeInvalidMinimumLifetime,
				"minimum_lifetime must be at least five minutes", nil)
		}
	}

	if req.notebook && req.delegateTo != "" {
		return nil, gateerr.New(gateerr.CodeInvalidDelegateTo,
			"delegate_to may not be set with notebook", nil)
	}
	if service := q.Get("service"); service != "" && req.delegateTo != "" && service != req.delegateTo {
		return nil, gateerr.New(gateerr.CodeInvalidDelegateTo,
			"service must match delegate_to", nil)
	}
	if req.minimumLifetime > lifetime-tokenservice.MinimumTokenLifetime {
		return nil, gateerr.New(gateerr.CodeInvalidMinimumLifetime,
			"minimum_lifetime longer than the maximum token lifetime", nil)
	}
	if req.minimumLifetime == 0 && (req.notebook || req.delegateTo != "") {
		// Delegation without an explicit minimum still guarantees the
		// child a usable lifetime: a parent about to expire forces
		// re-authentication instead of minting a nearly-dead token.
		req.minimumLifetime = tokenservice.MinimumTokenLifetime
	}
	return req, nil
}

func boolParam(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}

// findTokenString extracts the serialized token from the session cookie
// or, failing that, the Authorization header. GitHub-style Basic auth is
// accepted with the token on either side of x-oauth-basic.
func (s *Server) findTokenString(r *http.Request) (string, error) {
	if state := s.codec.Read(r); state != nil && state.Token != "" {
		return state.Token, nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errNoToken
	}
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok || rest == "" {
		return "", gateerr.InvalidRequest("Malformed Authorization header", nil)
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return strings.TrimSpace(rest), nil
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return "", gateerr.InvalidRequest("Malformed Authorization header", nil)
		}
		user, pass, ok := strings.Cut(string(decoded), ":")
		if !ok {
			return "", gateerr.InvalidRequest("Malformed Authorization header", nil)
		}
		switch {
		case pass == "x-oauth-basic":
			return user, nil
		case user == "x-oauth-basic":
			return pass, nil
		default:
			// Fall back to the username, the common client default.
			return user, nil
		}
	default:
		return "", gateerr.InvalidRequest("Unknown Authorization type "+scheme, nil)
	}
}

// handleAuth is the ingress auth_request endpoint. It decides whether the
// request is authenticated and authorized, and on success emits the
// identity headers the ingress lifts into the upstream request.
func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, gerr := parseAuthRequest(r, s.cfg.TokenLifetime())
	if gerr != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, gerr.Code, gerr.Message)
		return
	}
	ch := &challenge{AuthType: req.authType, Realm: s.cfg.Realm}

	raw, err := s.findTokenString(r)
	if err != nil {
		if errors.Is(err, errNoToken) {
			ch.Code = gateerr.CodeInvalidToken
			ch.Description = "Unable to find token"
			writeChallenge(w, r, http.StatusUnauthorized, ch)
			return
		}
		ch.Code = gateerr.CodeInvalidRequest
		ch.Description = gateerr.Message(err)
		writeChallenge(w, r, http.StatusBadRequest, ch)
		return
	}

	t, err := token.Parse(raw)
	if err != nil {
		ch.Code = gateerr.CodeInvalidToken
		ch.Description = "Token is not valid"
		writeChallenge(w, r, http.StatusUnauthorized, ch)
		return
	}
	data, err := s.tokens.GetData(ctx, t)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if data == nil {
		ch.Code = gateerr.CodeInvalidToken
		ch.Description = "Token is not valid"
		writeChallenge(w, r, http.StatusUnauthorized, ch)
		return
	}

	if req.minimumLifetime > 0 && !data.Expires.IsZero() &&
		time.Until(data.Expires) < req.minimumLifetime {
		ch.Code = gateerr.CodeInvalidToken
		ch.Description = "Remaining token lifetime too short"
		writeChallenge(w, r, http.StatusUnauthorized, ch)
		return
	}

	required := req.requiredScopes()
	if !scopesSatisfied(required, data.Scopes, req.satisfy) {
		ch.Code = gateerr.CodeInsufficientScope
		ch.Description = "Token missing required scope"
		ch.Scopes = required
		writeChallenge(w, r, http.StatusForbidden, ch)
		return
	}
	if req.username != "" && req.username != data.Username {
		ch.Code = gateerr.CodeInsufficientScope
		ch.Description = "Token is not valid for this user"
		writeChallenge(w, r, http.StatusForbidden, ch)
		return
	}

	info, err := s.users.GetUserInfo(ctx, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var delegated string
	switch {
	case req.notebook:
		child, err := s.tokens.GetNotebookToken(ctx, data, clientIP(ctx), req.minimumLifetime)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		delegated = child.String()
	case req.delegateTo != "":
		scopes := token.Intersect(req.delegateScopes, data.Scopes)
		child, err := s.tokens.GetInternalToken(
			ctx, data, req.delegateTo, scopes, clientIP(ctx), req.minimumLifetime)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		delegated = child.String()
	}

	w.Header().Set("X-Auth-Request-User", data.Username)
	if info.Email != "" {
		w.Header().Set("X-Auth-Request-Email", info.Email)
	}
	if delegated != "" {
		w.Header().Set("X-Auth-Request-Token", delegated)
	}
	if req.useAuthorization && delegated != "" {
		w.Header().Set("Authorization", "Bearer "+delegated)
	} else {
		for _, value := range strippedAuthorization(r) {
			w.Header().Add("Authorization", value)
		}
	}
	if cookies := strippedCookies(r); cookies != "" {
		w.Header().Set("Cookie", cookies)
	}
	w.WriteHeader(http.StatusOK)
}

// handleAnonymous authenticates nothing; it only reflects the request's
// Authorization and Cookie headers with all gateway credentials removed.
func (s *Server) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	for _, value := range strippedAuthorization(r) {
		w.Header().Add("Authorization", value)
	}
	if cookies := strippedCookies(r); cookies != "" {
		w.Header().Set("Cookie", cookies)
	}
	w.WriteHeader(http.StatusOK)
}

func scopesSatisfied(required, held []string, satisfy string) bool {
	if satisfy == "any" {
		return slices.ContainsFunc(required, func(scope string) bool {
			return slices.Contains(held, scope)
		})
	}
	return token.IsSubset(required, held)
}

// strippedAuthorization returns the request's Authorization headers with
// any carrying a gateway token removed, so the user's credential never
// reaches the backend.
func strippedAuthorization(r *http.Request) []string {
	var kept []string
	for _, value := range r.Header.Values("Authorization") {
		if !carriesGatewayToken(value) {
			kept = append(kept, value)
		}
	}
	return kept
}

func carriesGatewayToken(header string) bool {
	scheme, rest, ok := strings.Cut(header, " ")
	if !ok {
		return false
	}
	switch strings.ToLower(scheme) {
	case "bearer":
		return strings.HasPrefix(strings.TrimSpace(rest), token.Prefix)
	case "basic":
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(rest))
		if err != nil {
			return false
		}
		user, pass, _ := strings.Cut(string(decoded), ":")
		return strings.HasPrefix(user, token.Prefix) || strings.HasPrefix(pass, token.Prefix)
	default:
		return false
	}
}

// strippedCookies reassembles the Cookie header without the gateway
// session cookie.
func strippedCookies(r *http.Request) string {
	var kept []string
	for _, c := range r.Cookies() {
		if c.Name != cookie.Name {
			kept = append(kept, c.Name+"="+c.Value)
		}
	}
	return strings.Join(kept, "; ")
}
