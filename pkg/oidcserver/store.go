// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

// CodeLifetime is the validity window of an authorization code. RFC 6749
// recommends at most ten minutes; clients are expected to redeem
// immediately.
const CodeLifetime = 5 * time.Minute

// codeKeyPrefix namespaces authorization entries alongside tokens in the
// shared Redis instance.
const codeKeyPrefix = "oidc:"

// Authorization is the stored state of one issued code.
type Authorization struct {
	Code        Code        `json:"code"`
	ClientID    string      `json:"client_id"`
	RedirectURI string      `json:"redirect_uri"`
	Token       token.Token `json:"token"`
	Scopes      []string    `json:"scopes"`
	Nonce       string      `json:"nonce,omitempty"`
	Created     time.Time   `json:"created"`
}

// Crypter seals and opens values at rest. Implemented by cookie.Codec,
// so the same session secret protects the browser cookie and the Redis
// entries.
type Crypter interface {
	EncryptBytes(plaintext []byte) (string, error)
	DecryptBytes(value string) ([]byte, error)
}

// Store holds pending authorizations in Redis. It shares the connection
// pool with the token store, and like the token store it seals every
// value under the session secret: an authorization embeds the session
// token, which must never sit in Redis in cleartext.
type Store struct {
	client  redis.UniversalClient
	crypter Crypter
	logger  *slog.Logger
}

// NewStore creates an authorization store.
func NewStore(client redis.UniversalClient, crypter Crypter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, crypter: crypter, logger: logger}
}

// Create stores a new authorization under its code key with the code
// lifetime as TTL.
func (s *Store) Create(ctx context.Context, auth *Authorization) error {
	blob, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to serialize authorization: %w", err)
	}
	sealed, err := s.crypter.EncryptBytes(blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt authorization: %w", err)
	}
	key := codeKeyPrefix + auth.Code.Key
	if err := s.client.Set(ctx, key, sealed, CodeLifetime).Err(); err != nil {
		return fmt.Errorf("failed to store authorization: %w", err)
	}
	return nil
}

// Get retrieves the authorization for a code, verifying the code secret
// in constant time. Every failure mode is an invalid_grant; the cause is
// only logged.
func (s *Store) Get(ctx context.Context, code Code) (*Authorization, error) {
	sealed, err := s.client.Get(ctx, codeKeyPrefix+code.Key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, gateerr.InvalidGrant(errors.New("unknown authorization code"))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve authorization: %w", err)
	}
	blob, err := s.crypter.DecryptBytes(sealed)
	if err != nil {
		s.logger.Error("cannot decrypt authorization",
			"key", code.Key,
			"error", err.Error(),
		)
		return nil, gateerr.InvalidGrant(errors.New("corrupt authorization entry"))
	}
	var auth Authorization
	if err := json.Unmarshal(blob, &auth); err != nil {
		s.logger.Error("cannot deserialize authorization",
			"key", code.Key,
			"error", err.Error(),
		)
		return nil, gateerr.InvalidGrant(errors.New("corrupt authorization entry"))
	}
	if subtle.ConstantTimeCompare([]byte(auth.Code.Secret), []byte(code.Secret)) != 1 {
		return nil, gateerr.InvalidGrant(errors.New("authorization code secret mismatch"))
	}
	return &auth, nil
}

// Delete removes an authorization. Codes are single-use: redemption
// deletes before returning the token response.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, codeKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete authorization: %w", err)
	}
	return nil
}
