// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package tokenservice

import (
	"context"
	"sync"
	"time"

	"github.com/stacklok/authgate/pkg/token"
)

// derivedCache is the in-process cache of notebook and internal tokens,
// keyed by their dedup identity. It avoids a database round trip on the
// hot path for repeated delegation requests, and its per-user locks
// guarantee at most one concurrent creation per user.
type derivedCache struct {
	mu      sync.Mutex
	locks   map[string]*sync.Mutex
	entries map[cacheKey]token.Token
	users   map[string][]cacheKey
}

// cacheKey is the dedup identity of a derived token. Scopes are in their
// sorted comma-joined form.
type cacheKey struct {
	parent  string
	kind    token.Type
	service string
	scopes  string
}

func newDerivedCache() *derivedCache {
	return &derivedCache{
		locks:   make(map[string]*sync.Mutex),
		entries: make(map[cacheKey]token.Token),
		users:   make(map[string][]cacheKey),
	}
}

// userLock returns the creation lock for a username, making one on first
// use. Locks are never removed; the user population is small.
func (c *derivedCache) userLock(username string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	lock, ok := c.locks[username]
	if !ok {
		lock = &sync.Mutex{}
		c.locks[username] = lock
	}
	return lock
}

func (c *derivedCache) get(key cacheKey) (token.Token, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.entries[key]
	return t, ok
}

func (c *derivedCache) store(username string, key cacheKey, t token.Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = t
	c.users[username] = append(c.users[username], key)
}

func (c *derivedCache) remove(key cacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// invalidateUser drops all cached derived tokens for a user, called on
// any revocation affecting that user.
func (c *derivedCache) invalidateUser(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range c.users[username] {
		delete(c.entries, key)
	}
	delete(c.users, username)
}

// GetNotebookToken returns the user's live notebook token, minting one if
// needed. Dedup identity is (parent, notebook).
func (s *Service) GetNotebookToken(
	ctx context.Context,
	parent *token.Data,
	ip string,
	minLifetime time.Duration,
) (token.Token, error) {
	key := cacheKey{parent: parent.Token.Key, kind: token.TypeNotebook}

	lock := s.cache.userLock(parent.Username)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := s.cache.get(key); ok {
		data, err := s.validCached(ctx, cached, parent, parent.Scopes, minLifetime)
		if err != nil {
			return token.Token{}, err
		}
		if data != nil {
			return cached, nil
		}
		s.cache.remove(key)
	}

	expires, err := s.childExpires(parent, minLifetime)
	if err != nil {
		return token.Token{}, err
	}

	// Another process may have minted one; check the database before
	// creating.
	existing, err := s.tokens.GetNotebookTokenKey(
		ctx, parent.Token.Key, minExpires(minLifetime))
	if err != nil {
		return token.Token{}, err
	}
	if existing != "" {
		if data, err := s.kv.GetDataByKey(ctx, existing); err == nil && data != nil {
			s.cache.store(parent.Username, key, data.Token)
			return data.Token, nil
		}
	}

	data := &token.Data{
		Token:    token.New(),
		Type:     token.TypeNotebook,
		Scopes:   token.SortScopes(parent.Scopes),
		Created:  time.Now().Truncate(time.Second).UTC(),
		Expires:  expires,
		UserInfo: parent.UserInfo,
	}
	if err := s.persist(ctx, data, "", "", parent.Token.Key, ip); err != nil {
		return token.Token{}, err
	}
	s.cache.store(parent.Username, key, data.Token)
	return data.Token, nil
}

// GetInternalToken returns a live internal token delegated to a service,
// minting one if needed. Dedup identity is (parent, internal, service,
// sorted scopes). Scopes must already be intersected with the parent's.
func (s *Service) GetInternalToken(
	ctx context.Context,
	parent *token.Data,
	service string,
	scopes []string,
	ip string,
	minLifetime time.Duration,
) (token.Token, error) {
	scopes = token.SortScopes(scopes)
	key := cacheKey{
		parent:  parent.Token.Key,
		kind:    token.TypeInternal,
		service: service,
		scopes:  token.JoinScopes(scopes),
	}

	lock := s.cache.userLock(parent.Username)
	lock.Lock()
	defer lock.Unlock()

	if cached, ok := s.cache.get(key); ok {
		data, err := s.validCached(ctx, cached, parent, scopes, minLifetime)
		if err != nil {
			return token.Token{}, err
		}
		if data != nil {
			return cached, nil
		}
		s.cache.remove(key)
	}

	expires, err := s.childExpires(parent, minLifetime)
	if err != nil {
		return token.Token{}, err
	}

	existing, err := s.tokens.GetInternalTokenKey(
		ctx, parent.Token.Key, service, scopes, minExpires(minLifetime))
	if err != nil {
		return token.Token{}, err
	}
	if existing != "" {
		if data, err := s.kv.GetDataByKey(ctx, existing); err == nil && data != nil {
			s.cache.store(parent.Username, key, data.Token)
			return data.Token, nil
		}
	}

	data := &token.Data{
		Token:    token.New(),
		Type:     token.TypeInternal,
		Scopes:   scopes,
		Created:  time.Now().Truncate(time.Second).UTC(),
		Expires:  expires,
		UserInfo: parent.UserInfo,
	}
	if err := s.persist(ctx, data, "", service, parent.Token.Key, ip); err != nil {
		return token.Token{}, err
	}
	s.cache.store(parent.Username, key, data.Token)
	return data.Token, nil
}

// validCached re-resolves a cached token and checks it is still usable
// for this request: it exists, belongs to the same user, carries exactly
// the wanted scopes, and has enough lifetime left. Without an explicit
// minimum, more than half the configured lifetime must remain, so a
// long-lived caller is not handed a token about to expire.
func (s *Service) validCached(
	ctx context.Context,
	cached token.Token,
	parent *token.Data,
	scopes []string,
	minLifetime time.Duration,
) (*token.Data, error) {
	data, err := s.kv.GetData(ctx, cached)
	if err != nil || data == nil {
		return nil, err
	}
	if data.Username != parent.Username {
		return nil, nil
	}
	if token.JoinScopes(data.Scopes) != token.JoinScopes(scopes) {
		return nil, nil
	}
	if !data.Expires.IsZero() {
		required := s.lifetime / 2
		if minLifetime > 0 {
			required = minLifetime
		}
		if time.Until(data.Expires) < required {
			return nil, nil
		}
	}
	return data, nil
}

// minExpires converts a minimum-lifetime request into the earliest
// acceptable expiration for a reusable token.
func minExpires(minLifetime time.Duration) time.Time {
	if minLifetime <= 0 {
		minLifetime = MinimumTokenLifetime
	}
	return time.Now().Add(minLifetime)
}
