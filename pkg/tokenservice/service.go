// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokenservice manages the lifecycle of authgate tokens across the
// key-value store and the relational database.
//
// Redis is the source of truth for whether a token is valid; the database
// is canonical for names, parent-child relationships, and history. Writes
// go to Redis first and are rolled back if the database write fails, so a
// token is never usable without its database row outliving it.
package tokenservice

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/storage/redisstore"
	"github.com/stacklok/authgate/pkg/storage/sqlite"
	"github.com/stacklok/authgate/pkg/token"
)

// MinimumTokenLifetime is the floor under every minimum-lifetime request.
// Requests that would leave less remaining lifetime than this are refused
// so that clients do not loop through login for a token that expires
// immediately.
const MinimumTokenLifetime = 5 * time.Minute

// Service manages tokens.
type Service struct {
	lifetime time.Duration
	kv       *redisstore.Store
	tokens   *sqlite.TokenStore
	history  *sqlite.HistoryStore
	cache    *derivedCache
	logger   *slog.Logger
}

// New creates a token service. lifetime is the configured lifetime for
// session and derived tokens.
func New(
	lifetime time.Duration,
	kv *redisstore.Store,
	tokens *sqlite.TokenStore,
	history *sqlite.HistoryStore,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		lifetime: lifetime,
		kv:       kv,
		tokens:   tokens,
		history:  history,
		cache:    newDerivedCache(),
		logger:   logger,
	}
}

// CreateSessionToken mints a fresh session token at the end of a login.
func (s *Service) CreateSessionToken(
	ctx context.Context,
	userInfo token.UserInfo,
	scopes []string,
	ip string,
) (token.Token, error) {
	now := time.Now().Truncate(time.Second).UTC()
	data := &token.Data{
		Token:    token.New(),
		Type:     token.TypeSession,
		Scopes:   token.SortScopes(scopes),
		Created:  now,
		Expires:  now.Add(s.lifetime),
		UserInfo: userInfo,
	}
	if err := s.persist(ctx, data, "", "", "", ip); err != nil {
		return token.Token{}, err
	}
	return data.Token, nil
}

// CreateUserToken mints a user token with a user-chosen name. Scopes must
// be a subset of the creating session's scopes; the caller enforces that.
// A zero expires means the token never expires.
func (s *Service) CreateUserToken(
	ctx context.Context,
	userInfo token.UserInfo,
	tokenName string,
	scopes []string,
	expires time.Time,
	actor, ip string,
) (token.Token, error) {
	if tokenName == "" {
		return token.Token{}, gateerr.InvalidRequest("Token name is required", nil)
	}
	now := time.Now().Truncate(time.Second).UTC()
	data := &token.Data{
		Token:    token.New(),
		Type:     token.TypeUser,
		Scopes:   token.SortScopes(scopes),
		Created:  now,
		Expires:  expires,
		UserInfo: userInfo,
	}
	if err := s.persistAs(ctx, data, tokenName, "", "", actor, ip); err != nil {
		return token.Token{}, err
	}
	return data.Token, nil
}

// GetData resolves a token on the authentication hot path. Returns nil
// without error for unknown, expired, or secret-mismatched tokens.
func (s *Service) GetData(ctx context.Context, t token.Token) (*token.Data, error) {
	data, err := s.kv.GetData(ctx, t)
	if err != nil || data == nil {
		return nil, err
	}
	// Redis TTLs handle expiry, but guard against clock skew on entries
	// written without one.
	if !data.Expires.IsZero() && !data.Expires.After(time.Now()) {
		return nil, nil
	}
	return data, nil
}

// GetInfo returns the database record for a token.
func (s *Service) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	return s.tokens.GetInfo(ctx, key)
}

// List returns all of a user's tokens, newest first.
func (s *Service) List(ctx context.Context, username string) ([]*token.Info, error) {
	return s.tokens.ListByUsername(ctx, username)
}

// ListAll returns every token. Admin only; the caller checks.
func (s *Service) ListAll(ctx context.Context) ([]*token.Info, error) {
	return s.tokens.ListAll(ctx)
}

// Modify edits a user token's name, scopes, or expiration and records an
// edit history entry.
func (s *Service) Modify(
	ctx context.Context,
	key string,
	mod sqlite.Modification,
	actor, ip string,
) (*token.Info, error) {
	info, err := s.tokens.GetInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if info == nil {
		return nil, nil
	}
	if info.Type != token.TypeUser {
		return nil, gateerr.InvalidRequest("Only user tokens may be modified", nil)
	}
	if err := s.tokens.Modify(ctx, key, mod); err != nil {
		return nil, err
	}

	// Scope and expiration changes must be reflected on the hot path too.
	if mod.Scopes != nil || mod.Expires != nil || mod.ClearExpires {
		data, err := s.kv.GetDataByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if data != nil {
			if mod.Scopes != nil {
				data.Scopes = token.SortScopes(mod.Scopes)
			}
			if mod.ClearExpires {
				data.Expires = time.Time{}
			} else if mod.Expires != nil {
				data.Expires = mod.Expires.UTC()
			}
			if err := s.kv.StoreData(ctx, data); err != nil {
				return nil, err
			}
		}
	}

	info, err = s.tokens.GetInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	s.record(ctx, &token.ChangeEntry{
		Key:       key,
		Username:  info.Username,
		Type:      info.Type,
		Scopes:    info.Scopes,
		Expires:   info.Expires,
		Actor:     actor,
		Action:    token.ActionEdit,
		IPAddress: ip,
		EventTime: time.Now().Truncate(time.Second).UTC(),
	})
	return info, nil
}

// Delete revokes a token and all of its descendants. The key-value entry
// is removed first so that revocation is immediately effective; the
// database row and history follow.
func (s *Service) Delete(ctx context.Context, key, actor, ip string) (bool, error) {
	info, err := s.tokens.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil {
		return false, nil
	}

	children, err := s.tokens.GetChildren(ctx, key)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		if _, err := s.Delete(ctx, child, actor, ip); err != nil {
			return false, err
		}
	}

	if err := s.kv.Delete(ctx, key); err != nil {
		return false, err
	}
	deleted, err := s.tokens.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	s.cache.invalidateUser(info.Username)
	s.record(ctx, &token.ChangeEntry{
		Key:       key,
		Username:  info.Username,
		Type:      info.Type,
		Parent:    info.Parent,
		Service:   info.Service,
		Scopes:    info.Scopes,
		Expires:   info.Expires,
		Actor:     actor,
		Action:    token.ActionRevoke,
		IPAddress: ip,
		EventTime: time.Now().Truncate(time.Second).UTC(),
	})
	return deleted, nil
}

// History returns the change history of one token.
func (s *Service) History(ctx context.Context, key string) ([]*token.ChangeEntry, error) {
	return s.history.ListForToken(ctx, key)
}

// ExpireTokens deletes database rows for expired tokens and records
// expire history entries. The key-value entries have already lapsed via
// their TTLs. Run periodically from the maintenance command.
func (s *Service) ExpireTokens(ctx context.Context) (int, error) {
	expired, err := s.tokens.ListExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, info := range expired {
		if _, err := s.tokens.Delete(ctx, info.Key); err != nil {
			return 0, err
		}
		s.record(ctx, &token.ChangeEntry{
			Key:       info.Key,
			Username:  info.Username,
			Type:      info.Type,
			Parent:    info.Parent,
			Service:   info.Service,
			Scopes:    info.Scopes,
			Expires:   info.Expires,
			Actor:     "<internal>",
			Action:    token.ActionExpire,
			EventTime: time.Now().Truncate(time.Second).UTC(),
		})
	}
	return len(expired), nil
}

// AuditFinding is one inconsistency between the database and Redis.
type AuditFinding struct {
	Key     string
	Problem string
}

// Audit reconciles the database against Redis. With fix set, dangling
// database rows (no key-value entry and already expired) are deleted.
func (s *Service) Audit(ctx context.Context, fix bool) ([]AuditFinding, error) {
	dbKeys, err := s.tokens.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	kvKeys, err := s.kv.ListKeys(ctx)
	if err != nil {
		return nil, err
	}

	inKV := make(map[string]bool, len(kvKeys))
	for _, key := range kvKeys {
		inKV[key] = true
	}
	inDB := make(map[string]bool, len(dbKeys))
	for _, key := range dbKeys {
		inDB[key] = true
	}

	var findings []AuditFinding
	for _, key := range dbKeys {
		if inKV[key] {
			continue
		}
		info, err := s.tokens.GetInfo(ctx, key)
		if err != nil {
			return nil, err
		}
		if info != nil && !info.Expires.IsZero() && info.Expires.Before(time.Now()) {
			// Normal lag: the TTL fired before the expiry sweep ran.
			continue
		}
		findings = append(findings, AuditFinding{
			Key:     key,
			Problem: "database row has no key-value entry",
		})
		if fix {
			if _, err := s.tokens.Delete(ctx, key); err != nil {
				return nil, err
			}
		}
	}
	for _, key := range kvKeys {
		if inDB[key] {
			continue
		}
		findings = append(findings, AuditFinding{
			Key:     key,
			Problem: "key-value entry has no database row",
		})
		if fix {
			if err := s.kv.Delete(ctx, key); err != nil {
				return nil, err
			}
		}
	}
	return findings, nil
}

// persist writes a new token to both stores and records its creation,
// rolling back the key-value write if the database write fails.
func (s *Service) persist(ctx context.Context, data *token.Data, tokenName, service, parent, ip string) error {
	return s.persistAs(ctx, data, tokenName, service, parent, data.Username, ip)
}

func (s *Service) persistAs(ctx context.Context, data *token.Data, tokenName, service, parent, actor, ip string) error {
	if err := s.kv.StoreData(ctx, data); err != nil {
		return err
	}
	if err := s.tokens.Add(ctx, data, tokenName, service, parent); err != nil {
		if delErr := s.kv.Delete(ctx, data.Token.Key); delErr != nil {
			s.logger.Error("cannot roll back token after database failure",
				"key", data.Token.Key,
				"error", delErr.Error(),
			)
		}
		return err
	}
	s.record(ctx, &token.ChangeEntry{
		Key:       data.Token.Key,
		Username:  data.Username,
		Type:      data.Type,
		Parent:    parent,
		Service:   service,
		Scopes:    data.Scopes,
		Expires:   data.Expires,
		Actor:     actor,
		Action:    token.ActionCreate,
		IPAddress: ip,
		EventTime: data.Created,
	})
	return nil
}

// record appends a history entry. History failures are logged, not
// propagated; the token operation itself already succeeded.
func (s *Service) record(ctx context.Context, entry *token.ChangeEntry) {
	if err := s.history.Add(ctx, entry); err != nil {
		s.logger.Error("cannot record token change",
			"key", entry.Key,
			"action", string(entry.Action),
			"error", err.Error(),
		)
	}
}

// childExpires computes the expiration of a derived token and validates a
// requested minimum lifetime against the parent.
func (s *Service) childExpires(parent *token.Data, minLifetime time.Duration) (time.Time, error) {
	now := time.Now().Truncate(time.Second).UTC()
	expires := now.Add(s.lifetime)
	if !parent.Expires.IsZero() && parent.Expires.Before(expires) {
		expires = parent.Expires
	}
	if minLifetime > 0 && !parent.Expires.IsZero() {
		if parent.Expires.Sub(now) < minLifetime+MinimumTokenLifetime {
			return time.Time{}, gateerr.New(gateerr.CodeInvalidMinimumLifetime,
				fmt.Sprintf("Parent token expires in less than %s", minLifetime), nil)
		}
	}
	return expires, nil
}
