// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package gateerr defines the error taxonomy shared across authgate.
//
// Codes map one-to-one onto the HTTP surfaces in the server package: the
// RFC 6750 challenge errors, the RFC 6749 token-endpoint errors, and the
// internal failure classes for external collaborators (LDAP, the ID
// allocator, upstream identity providers).
package gateerr

import (
	"errors"
	"fmt"
)

// Error codes.
const (
	// CodeInvalidRequest is a malformed request (RFC 6750 invalid_request).
	CodeInvalidRequest = "invalid_request"

	// CodeInvalidToken is an expired, revoked, or malformed token
	// (RFC 6750 invalid_token).
	CodeInvalidToken = "invalid_token"

	// CodeInsufficientScope is a token missing a required scope
	// (RFC 6750 insufficient_scope).
	CodeInsufficientScope = "insufficient_scope"

	// CodeInvalidGrant is an unusable authorization code (RFC 6749).
	CodeInvalidGrant = "invalid_grant"

	// CodeInvalidClient is an unknown client or wrong secret (RFC 6749).
	CodeInvalidClient = "invalid_client"

	// CodeUnsupportedGrantType is a grant type other than
	// authorization_code (RFC 6749).
	CodeUnsupportedGrantType = "unsupported_grant_type"

	// CodeInvalidMinimumLifetime is a minimum_lifetime parameter that can
	// never be satisfied by a newly delegated token.
	CodeInvalidMinimumLifetime = "invalid_minimum_lifetime"

	// CodeInvalidDelegateTo is an inconsistent delegation request.
	CodeInvalidDelegateTo = "invalid_delegate_to"

	// CodePermissionDenied is an operation on a token the caller does not own.
	CodePermissionDenied = "permission_denied"

	// CodeLDAP is a failed LDAP round trip.
	CodeLDAP = "ldap_error"

	// CodeExternalUserInfo is a failure of any external user metadata source.
	CodeExternalUserInfo = "external_user_info_error"

	// CodeExhausted means no UIDs or GIDs remain in the allocation range.
	CodeExhausted = "no_available_id"

	// CodeMissingClaims is an upstream ID token missing required claims.
	CodeMissingClaims = "missing_claims"

	// CodeInvalidTokenClaims is an upstream ID token with malformed claims.
	CodeInvalidTokenClaims = "invalid_token_claims"

	// CodeProvider is a failure talking to the upstream identity provider.
	CodeProvider = "provider_error"

	// CodeInternal is an internal error.
	CodeInternal = "internal"
)

// Error is a classified error. The Message is safe to surface to clients;
// the Cause may contain details that belong only in logs.
type Error struct {
	Code    string
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error.
func New(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Code returns the classification of err, or CodeInternal if err carries
// no *Error in its chain.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Message returns the client-safe message of err, or a generic message if
// err carries no *Error in its chain.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "An error occurred"
}

// Is reports whether err is classified with the given code.
func Is(err error, code string) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// InvalidRequest creates an invalid_request error.
func InvalidRequest(message string, cause error) *Error {
	return New(CodeInvalidRequest, message, cause)
}

// InvalidToken creates an invalid_token error.
func InvalidToken(message string, cause error) *Error {
	return New(CodeInvalidToken, message, cause)
}

// InsufficientScope creates an insufficient_scope error.
func InsufficientScope(message string) *Error {
	return New(CodeInsufficientScope, message, nil)
}

// InvalidGrant creates an invalid_grant error. The message is always the
// same opaque text so that callers cannot distinguish failure causes;
// details go to the log via cause.
func InvalidGrant(cause error) *Error {
	return New(CodeInvalidGrant, "Invalid authorization code", cause)
}

// InvalidClient creates an invalid_client error.
func InvalidClient(message string) *Error {
	return New(CodeInvalidClient, message, nil)
}

// PermissionDenied creates a permission_denied error.
func PermissionDenied(message string) *Error {
	return New(CodePermissionDenied, message, nil)
}

// LDAP creates an ldap_error.
func LDAP(message string, cause error) *Error {
	return New(CodeLDAP, message, cause)
}

// Internal creates an internal error.
func Internal(message string, cause error) *Error {
	return New(CodeInternal, message, cause)
}
