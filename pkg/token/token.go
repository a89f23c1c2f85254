// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token defines the opaque authgate token, its associated data, and
// the token service that manages session, user, notebook, and internal
// tokens.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/stacklok/authgate/pkg/gateerr"
)

// Prefix is the leading marker on every serialized token, to make tokens
// easy to identify in logs and pastes.
const Prefix = "gt-"

// partLength is the length of the encoded key and secret: 16 random bytes
// in unpadded URL-safe base64.
const partLength = 22

// Token is an opaque bearer token. The key is semi-public and indexes the
// stored state; the secret is proof of possession and is only compared in
// constant time.
type Token struct {
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// New generates a fresh random token.
func New() Token {
	return Token{Key: randomPart(), Secret: randomPart()}
}

// Parse decodes a serialized token. It returns an invalid_token error if
// the string is not in the form gt-<key>.<secret> with 22-character parts.
func Parse(s string) (Token, error) {
	if !strings.HasPrefix(s, Prefix) {
		return Token{}, gateerr.InvalidToken("Token does not start with gt-", nil)
	}
	trimmed := strings.TrimPrefix(s, Prefix)
	key, secret, ok := strings.Cut(trimmed, ".")
	if !ok {
		return Token{}, gateerr.InvalidToken("Token is malformed", nil)
	}
	if len(key) != partLength || len(secret) != partLength {
		return Token{}, gateerr.InvalidToken("Token is malformed", nil)
	}
	return Token{Key: key, Secret: secret}, nil
}

// String returns the serialized form of the token.
func (t Token) String() string {
	return fmt.Sprintf("%s%s.%s", Prefix, t.Key, t.Secret)
}

// Equal compares two tokens. The secret comparison is constant-time.
func (t Token) Equal(other Token) bool {
	if t.Key != other.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Secret), []byte(other.Secret)) == 1
}

// IsZero reports whether the token is unset.
func (t Token) IsZero() bool {
	return t.Key == "" && t.Secret == ""
}

// randomPart returns 128 random bits in URL-safe base64 without padding.
func randomPart() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		// rand.Read never fails on supported platforms.
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
