// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/stacklok/authgate/pkg/gateerr"
)

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// challenge is the content of a WWW-Authenticate header per RFC 6750.
// Basic challenges carry only the realm; Bearer challenges also carry the
// error code, description, and optionally the required scopes.
type challenge struct {
	AuthType    string
	Realm       string
	Code        string
	Description string
	Scopes      []string
}

func (c *challenge) header() string {
	if strings.EqualFold(c.AuthType, "basic") {
		return fmt.Sprintf("Basic realm=%q", c.Realm)
	}
	parts := []string{fmt.Sprintf("Bearer realm=%q", c.Realm)}
	if c.Code != "" {
		parts = append(parts,
			fmt.Sprintf("error=%q", c.Code),
			fmt.Sprintf("error_description=%q", c.Description))
	}
	if len(c.Scopes) > 0 {
		parts = append(parts, fmt.Sprintf("scope=%q", strings.Join(c.Scopes, " ")))
	}
	return strings.Join(parts, ", ")
}

// isAJAX reports whether the request came from a background browser call
// that cannot complete a login redirect.
func isAJAX(r *http.Request) bool {
	return r.Header.Get("X-Requested-With") == "XMLHttpRequest"
}

// writeChallenge writes an authentication failure with its challenge
// header. A 401 becomes a 403 for AJAX requests so the browser does not
// loop through a login flow it cannot finish.
func writeChallenge(w http.ResponseWriter, r *http.Request, status int, c *challenge) {
	if status == http.StatusUnauthorized && isAJAX(r) {
		status = http.StatusForbidden
	}
	w.Header().Set("WWW-Authenticate", c.header())
	writeJSONError(w, status, c.Code, c.Description)
}

// writeJSONError writes an error body in OAuth shape. Auth decisions must
// never be cached by intermediaries.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Cache-Control", "no-cache, no-store")
	writeJSON(w, status, &errorResponse{Error: code, Description: description})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps a classified error onto its HTTP surface.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := gateerr.Code(err)
	switch code {
	case gateerr.CodeInvalidRequest, gateerr.CodeInvalidGrant,
		gateerr.CodeInvalidClient, gateerr.CodeUnsupportedGrantType:
		writeJSONError(w, http.StatusBadRequest, code, gateerr.Message(err))
	case gateerr.CodeInvalidToken:
		status := http.StatusUnauthorized
		if isAJAX(r) {
			status = http.StatusForbidden
		}
		writeJSONError(w, status, code, gateerr.Message(err))
	case gateerr.CodeInsufficientScope, gateerr.CodePermissionDenied:
		writeJSONError(w, http.StatusForbidden, code, gateerr.Message(err))
	case gateerr.CodeInvalidMinimumLifetime, gateerr.CodeInvalidDelegateTo:
		writeJSONError(w, http.StatusUnprocessableEntity, code, gateerr.Message(err))
	default:
		s.logger.Error("request failed",
			"path", r.URL.Path, "code", code, "error", err.Error())
		writeJSONError(w, http.StatusInternalServerError, code, gateerr.Message(err))
	}
}
