// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/token"
)

// apiCaller is an authenticated caller of the token management API.
type apiCaller struct {
	data *token.Data

	// fromCookie is set when the caller authenticated with the browser
	// cookie, which requires CSRF checks on state-changing requests.
	fromCookie bool
	csrf       string
}

// authenticate resolves the caller of a management API request. On
// failure it writes the challenge response and returns nil.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) *apiCaller {
	ch := &challenge{AuthType: "bearer", Realm: s.cfg.Realm}

	caller := &apiCaller{}
	raw := ""
	if state := s.codec.Read(r); state != nil && state.Token != "" {
		raw = state.Token
		caller.fromCookie = true
		caller.csrf = state.CSRF
	} else {
		var err error
		raw, err = s.findTokenString(r)
		if err != nil {
			if errors.Is(err, errNoToken) {
				ch.Code = gateerr.CodeInvalidToken
				ch.Description = "Unable to find token"
				writeChallenge(w, r, http.StatusUnauthorized, ch)
				return nil
			}
			ch.Code = gateerr.CodeInvalidRequest
			ch.Description = gateerr.Message(err)
			writeChallenge(w, r, http.StatusBadRequest, ch)
			return nil
		}
	}

	t, err := token.Parse(raw)
	if err == nil {
		caller.data, err = s.tokens.GetData(r.Context(), t)
	}
	if err != nil || caller.data == nil {
		ch.Code = gateerr.CodeInvalidToken
		ch.Description = "Token is not valid"
		writeChallenge(w, r, http.StatusUnauthorized, ch)
		return nil
	}
	if !caller.data.HasScope("user:token") {
		ch.Code = gateerr.CodeInsufficientScope
		ch.Description = "Token missing required scope"
		ch.Scopes = []string{"user:token"}
		writeChallenge(w, r, http.StatusForbidden, ch)
		return nil
	}
	return caller
}

// checkCSRF guards state-changing requests authenticated by the browser
// cookie against cross-site request forgery. Token-authenticated callers
// are exempt: a foreign site cannot supply the Authorization header.
func (s *Server) checkCSRF(w http.ResponseWriter, r *http.Request, caller *apiCaller) bool {
	if !caller.fromCookie {
		return true
	}
	sent := r.Header.Get("X-CSRF-Token")
	if sent == "" || caller.csrf == "" ||
		subtle.ConstantTimeCompare([]byte(sent), []byte(caller.csrf)) != 1 {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "CSRF token mismatch")
		return false
	}
	return true
}

// isAdmin reports whether the caller may act on other users' tokens.
func (s *Server) isAdmin(r *http.Request, caller *apiCaller) bool {
	if caller.data.HasScope("admin:token") {
		return true
	}
	admin, err := s.admins.IsAdmin(r.Context(), caller.data.Username)
	if err != nil {
		s.logger.Error("admin lookup failed",
			"username", caller.data.Username, "error", err.Error())
		return false
	}
	return admin
}

// ownerOrAdmin loads a token's record and checks the caller may act on
// it. Writes the error response and returns nil when not.
func (s *Server) ownerOrAdmin(w http.ResponseWriter, r *http.Request, caller *apiCaller, key string) *token.Info {
	info, err := s.tokens.GetInfo(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return nil
	}
	if info == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "Token not found")
		return nil
	}
	if info.Username != caller.data.Username && !s.isAdmin(r, caller) {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "Token belongs to another user")
		return nil
	}
	return info
}

func (s *Server) handleTokenList(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	username := r.URL.Query().Get("username")
	if username == "" {
		username = caller.data.Username
	}
	if username != caller.data.Username && !s.isAdmin(r, caller) {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "Only admins may list other users' tokens")
		return
	}
	infos, err := s.tokens.List(r.Context(), username)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleTokenListAll(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	if !s.isAdmin(r, caller) {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodePermissionDenied, "Only admins may list all tokens")
		return
	}
	infos, err := s.tokens.ListAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

type createTokenRequest struct {
	TokenName string     `json:"token_name"`
	Scopes    []string   `json:"scopes"`
	Expires   *time.Time `json:"expires,omitempty"`
}

type createTokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleTokenCreate(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	if !s.checkCSRF(w, r, caller) {
		return
	}

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "Invalid request body")
		return
	}
	// User tokens may never exceed the creating token's authority.
	if !token.IsSubset(req.Scopes, caller.data.Scopes) {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodeInsufficientScope, "Requested scopes exceed token scopes")
		return
	}
	var expires time.Time
	if req.Expires != nil {
		expires = req.Expires.UTC()
	}

	t, err := s.tokens.CreateUserToken(
		r.Context(), caller.data.UserInfo, req.TokenName, req.Scopes, expires,
		caller.data.Username, clientIP(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, &createTokenResponse{Token: t.String()})
}

func (s *Server) handleTokenInfo(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	info := s.ownerOrAdmin(w, r, caller, chi.URLParam(r, "key"))
	if info == nil {
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type modifyTokenRequest struct {
	TokenName *string  `json:"token_name,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`

	// Expires accepts an RFC 3339 time, or JSON null to clear the
	// expiration. Absence leaves it unchanged.
	Expires *time.Time `json:"expires"`

	rawKeys map[string]json.RawMessage
}

func (m *modifyTokenRequest) UnmarshalJSON(blob []byte) error {
	type plain modifyTokenRequest
	if err := json.Unmarshal(blob, (*plain)(m)); err != nil {
		return err
	}
	return json.Unmarshal(blob, &m.rawKeys)
}

// expiresPresent distinguishes "expires": null (clear) from the key being
// absent (leave unchanged).
func (m *modifyTokenRequest) expiresPresent() bool {
	_, ok := m.rawKeys["expires"]
	return ok
}

func (s *Server) handleTokenModify(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	if !s.checkCSRF(w, r, caller) {
		return
	}
	key := chi.URLParam(r, "key")
	if s.ownerOrAdmin(w, r, caller, key) == nil {
		return
	}

	var req modifyTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest,
			gateerr.CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Scopes != nil && !token.IsSubset(req.Scopes, caller.data.Scopes) &&
		!s.isAdmin(r, caller) {
		writeJSONError(w, http.StatusForbidden,
			gateerr.CodeInsufficientScope, "Requested scopes exceed token scopes")
		return
	}

	mod := sqlite.Modification{
		TokenName: req.TokenName,
		Scopes:    req.Scopes,
	}
	if req.expiresPresent() {
		if req.Expires == nil {
			mod.ClearExpires = true
		} else {
			mod.Expires = req.Expires
		}
	}
	info, err := s.tokens.Modify(
		r.Context(), key, mod, caller.data.Username, clientIP(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if info == nil {
		writeJSONError(w, http.StatusNotFound, "not_found", "Token not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleTokenDelete(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	if !s.checkCSRF(w, r, caller) {
		return
	}
	key := chi.URLParam(r, "key")
	if s.ownerOrAdmin(w, r, caller, key) == nil {
		return
	}

	deleted, err := s.tokens.Delete(
		r.Context(), key, caller.data.Username, clientIP(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !deleted {
		writeJSONError(w, http.StatusNotFound, "not_found", "Token not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleTokenHistory(w http.ResponseWriter, r *http.Request) {
	caller := s.authenticate(w, r)
	if caller == nil {
		return
	}
	key := chi.URLParam(r, "key")
	if s.ownerOrAdmin(w, r, caller, key) == nil {
		return
	}
	entries, err := s.tokens.History(r.Context(), key)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*token.ChangeEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
