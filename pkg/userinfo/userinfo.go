// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package userinfo merges user metadata from its three possible sources:
// the data stored with the token, the LDAP directory, and the UID/GID
// allocator. LDAP wins for names, email, and groups when configured; UIDs
// and GIDs come from the allocator when configured, else LDAP, else the
// token claims.
package userinfo

import (
	"context"
	"log/slog"
	"slices"

	"github.com/stacklok/authgate/pkg/ldap"
	"github.com/stacklok/authgate/pkg/token"
)

// Directory is the slice of the LDAP client used here.
type Directory interface {
	ResolveUsername(sub string) (string, error)
	GetData(username string) (ldap.UserData, error)
	GetGroups(username string) ([]token.Group, error)
	GetGroupNames(username string) ([]string, error)
}

// Allocator assigns stable UIDs and GIDs.
type Allocator interface {
	GetUID(ctx context.Context, username string) (int, error)
	GetGID(ctx context.Context, group string) (int, error)
}

// Service resolves full user metadata for a token.
type Service struct {
	directory    Directory
	allocator    Allocator
	addUserGroup bool
	groupScopes  map[string][]string
	uids         *idCache
	gids         *idCache
	logger       *slog.Logger
}

// New creates a user-info service. directory and allocator may each be nil
// when not configured. groupScopes maps group name to granted scopes.
func New(
	directory Directory,
	allocator Allocator,
	addUserGroup bool,
	groupScopes map[string][]string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		directory:    directory,
		allocator:    allocator,
		addUserGroup: addUserGroup,
		groupScopes:  groupScopes,
		uids:         newIDCache(),
		gids:         newIDCache(),
		logger:       logger,
	}
}

// ResolveUsername maps the subject asserted by the upstream provider to
// the directory username. Without a directory the subject is already the
// username. An empty result means the directory does not know the
// subject, so the login must be refused.
func (s *Service) ResolveUsername(sub string) (string, error) {
	if s.directory == nil {
		return sub, nil
	}
	return s.directory.ResolveUsername(sub)
}

// GetUserInfo resolves the full user metadata for a token.
func (s *Service) GetUserInfo(ctx context.Context, data *token.Data) (*token.UserInfo, error) {
	username := data.Username

	uid := data.UID
	if uid == 0 && s.allocator != nil {
		var err error
		uid, err = s.uids.get(ctx, username, func() (int, error) {
			return s.allocator.GetUID(ctx, username)
		})
		if err != nil {
			return nil, err
		}
	}

	// Without LDAP, whatever was stored with the token is all we have.
	if s.directory == nil {
		return &token.UserInfo{
			Username: username,
			Name:     data.Name,
			Email:    data.Email,
			UID:      uid,
			GID:      data.GID,
			Groups:   data.Groups,
		}, nil
	}

	gid := data.GID
	var ldapData ldap.UserData
	if data.Name == "" || data.Email == "" || uid == 0 || gid == 0 {
		var err error
		ldapData, err = s.directory.GetData(username)
		if err != nil {
			return nil, err
		}
		if uid == 0 {
			uid = ldapData.UID
		}
		if gid == 0 {
			gid = ldapData.GID
		}
	}

	groups := data.Groups
	if groups == nil {
		var err error
		groups, err = s.resolveGroups(ctx, username)
		if err != nil {
			return nil, err
		}
		if s.addUserGroup && uid != 0 {
			groups = append(slices.Clone(groups), token.Group{Name: username, ID: uid})
			if gid == 0 {
				gid = uid
			}
		}
	}
	slices.SortFunc(groups, func(a, b token.Group) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		default:
			return 0
		}
	})

	info := &token.UserInfo{
		Username: username,
		Name:     data.Name,
		Email:    data.Email,
		UID:      uid,
		GID:      gid,
		Groups:   groups,
	}
	if info.Name == "" {
		info.Name = ldapData.Name
	}
	if info.Email == "" {
		info.Email = ldapData.Email
	}
	return info, nil
}

// GetScopes derives a user's scopes from their group membership via the
// configured group mapping. user:token is always included. The second
// return is false when no group granted any scope, which callers treat as
// an unauthorized user.
func (s *Service) GetScopes(ctx context.Context, info *token.UserInfo) ([]string, bool, error) {
	var groups []string
	if s.directory != nil {
		var err error
		groups, err = s.directory.GetGroupNames(info.Username)
		if err != nil {
			return nil, false, err
		}
	} else {
		for _, g := range info.Groups {
			groups = append(groups, g.Name)
		}
	}

	scopes := []string{"user:token"}
	found := false
	for _, group := range groups {
		if granted, ok := s.groupScopes[group]; ok {
			found = true
			scopes = append(scopes, granted...)
		}
	}
	return token.SortScopes(scopes), found, nil
}

// resolveGroups fetches groups from LDAP. With an allocator configured,
// directory GIDs are ignored in favor of allocated ones.
func (s *Service) resolveGroups(ctx context.Context, username string) ([]token.Group, error) {
	if s.allocator == nil {
		return s.directory.GetGroups(username)
	}
	names, err := s.directory.GetGroupNames(username)
	if err != nil {
		return nil, err
	}
	var groups []token.Group
	for _, name := range names {
		gid, err := s.gids.get(ctx, name, func() (int, error) {
			return s.allocator.GetGID(ctx, name)
		})
		if err != nil {
			return nil, err
		}
		groups = append(groups, token.Group{Name: name, ID: gid})
	}
	return groups, nil
}

// InvalidateCache drops cached IDs for a user, used by health checks and
// tests. Group GIDs are left alone; they are shared across users.
func (s *Service) InvalidateCache(username string) {
	s.uids.remove(username)
}
