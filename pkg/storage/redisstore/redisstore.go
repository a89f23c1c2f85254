// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore provides the Redis-backed key-value store for token
// data. Redis is the source of truth on the authentication hot path: a
// token is valid exactly when its entry exists and the presented secret
// matches the stored one. Values are sealed under the session secret
// before they are written, so a Redis dump never contains a usable
// bearer secret.
package redisstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/authgate/pkg/token"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// tokenKeyPrefix namespaces token entries in the shared cache.
const tokenKeyPrefix = "token:"

// ErrCorrupt is returned when a stored entry exists but cannot be
// decrypted or deserialized. Callers should treat the token as invalid,
// not absent.
var ErrCorrupt = errors.New("stored token data is corrupt")

// Crypter seals and opens values at rest. Implemented by cookie.Codec,
// so the same session secret protects the browser cookie and the Redis
// entries.
type Crypter interface {
	EncryptBytes(plaintext []byte) (string, error)
	DecryptBytes(value string) ([]byte, error)
}

// Config holds Redis connection configuration.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// Password overrides any password in the URL. Typically loaded from
	// redis_password_file.
	Password string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Store reads and writes token data in Redis.
type Store struct {
	client  redis.UniversalClient
	crypter Crypter
	logger  *slog.Logger
}

// New connects to Redis and verifies connectivity.
func New(ctx context.Context, cfg Config, crypter Crypter, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DialTimeout = cfg.DialTimeout
	if opts.DialTimeout == 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	opts.ReadTimeout = cfg.ReadTimeout
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	opts.WriteTimeout = cfg.WriteTimeout
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(client, crypter, logger), nil
}

// NewWithClient creates a Store with a pre-configured client. This is
// useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, crypter Crypter, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{client: client, crypter: crypter, logger: logger}
}

// Client exposes the underlying Redis client so that sibling stores (the
// OpenID Connect authorization store) can share one connection pool.
func (s *Store) Client() redis.UniversalClient {
	return s.client
}

// Close closes the Redis client connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks Redis connectivity (health check).
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StoreData writes the data for a token. The entry expires from Redis when
// the token expires.
func (s *Store) StoreData(ctx context.Context, data *token.Data) error {
	blob, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize token data: %w", err)
	}
	sealed, err := s.crypter.EncryptBytes(blob)
	if err != nil {
		return fmt.Errorf("failed to encrypt token data: %w", err)
	}
	var ttl time.Duration
	if !data.Expires.IsZero() {
		ttl = time.Until(data.Expires)
		if ttl <= 0 {
			return fmt.Errorf("token %s is already expired", data.Token.Key)
		}
	}
	key := tokenKeyPrefix + data.Token.Key
	if err := s.client.Set(ctx, key, sealed, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token data: %w", err)
	}
	return nil
}

// GetData retrieves the data for a token, verifying the secret in constant
// time. Returns nil without error if the token is absent or the secret
// does not match; both cases are indistinguishable to the caller.
func (s *Store) GetData(ctx context.Context, t token.Token) (*token.Data, error) {
	data, err := s.GetDataByKey(ctx, t.Key)
	if err != nil || data == nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(data.Token.Secret), []byte(t.Secret)) != 1 {
		s.logger.Error("cannot retrieve token data",
			"key", t.Key,
			"error", "secret mismatch",
		)
		return nil, nil
	}
	return data, nil
}

// GetDataByKey retrieves token data by key alone, without secret
// verification. Used when following a stored parent-child relationship
// where the full child token is not known.
func (s *Store) GetDataByKey(ctx context.Context, key string) (*token.Data, error) {
	sealed, err := s.client.Get(ctx, tokenKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token data: %w", err)
	}
	blob, err := s.crypter.DecryptBytes(sealed)
	if err != nil {
		s.logger.Error("cannot decrypt token data",
			"key", key,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	var data token.Data
	if err := json.Unmarshal(blob, &data); err != nil {
		s.logger.Error("cannot deserialize token data",
			"key", key,
			"error", err.Error(),
		)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return &data, nil
}

// Delete removes a token entry. Only the key is required, so that a user
// can revoke tokens without possessing them.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, tokenKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete token data: %w", err)
	}
	return nil
}

// ListKeys returns the keys of all stored tokens, used by the audit job to
// reconcile Redis against the database.
func (s *Store) ListKeys(ctx context.Context) ([]string, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, tokenKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[len(tokenKeyPrefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan token keys: %w", err)
	}
	return keys, nil
}
