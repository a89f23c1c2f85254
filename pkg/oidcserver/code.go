// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/stacklok/authgate/pkg/gateerr"
)

// CodePrefix marks serialized authorization codes, distinguishing them
// from tokens in logs and pastes.
const CodePrefix = "gc-"

const codePartLength = 22

// Code is a single-use OpenID Connect authorization code. Like a token,
// the key indexes stored state and the secret is proof of possession.
type Code struct {
	Key    string
	Secret string
}

// NewCode generates a fresh random authorization code.
func NewCode() Code {
	return Code{Key: randomPart(), Secret: randomPart()}
}

// ParseCode decodes a serialized code. Any malformation is an
// invalid_grant: clients see the same opaque error for every code
// problem.
func ParseCode(s string) (Code, error) {
	if !strings.HasPrefix(s, CodePrefix) {
		return Code{}, gateerr.InvalidGrant(errors.New("code does not start with gc-"))
	}
	trimmed := strings.TrimPrefix(s, CodePrefix)
	key, secret, ok := strings.Cut(trimmed, ".")
	if !ok || len(key) != codePartLength || len(secret) != codePartLength {
		return Code{}, gateerr.InvalidGrant(errors.New("code is malformed"))
	}
	return Code{Key: key, Secret: secret}, nil
}

// String returns the serialized form of the code.
func (c Code) String() string {
	return fmt.Sprintf("%s%s.%s", CodePrefix, c.Key, c.Secret)
}

// Equal compares two codes. The secret comparison is constant-time.
func (c Code) Equal(other Code) bool {
	if c.Key != other.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(other.Secret)) == 1
}

func randomPart() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
