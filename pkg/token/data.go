// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"slices"
	"strings"
	"time"
)

// Type is the class of a token.
type Type string

// Token types.
const (
	// TypeSession is an interactive user web session.
	TypeSession Type = "session"

	// TypeUser is a user-generated token that may be used programmatically.
	TypeUser Type = "user"

	// TypeNotebook is the token delegated to a notebook for the user.
	TypeNotebook Type = "notebook"

	// TypeInternal is a service-to-service token used for sub-calls made as
	// part of processing a user request.
	TypeInternal Type = "internal"

	// TypeService is a service-to-service token for internal calls initiated
	// by services, unrelated to a user request.
	TypeService Type = "service"

	// TypeOIDC is a token backing an OpenID Connect authorization.
	TypeOIDC Type = "oidc"
)

// Group is one group membership with its numeric GID. The GID may be zero
// when the upstream source did not provide one.
type Group struct {
	Name string `json:"name"`
	ID   int    `json:"id,omitempty"`
}

// UserInfo is the user metadata stored with a token. Fields left empty are
// resolved dynamically from LDAP or the ID allocator instead.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	UID      int     `json:"uid,omitempty"`
	GID      int     `json:"gid,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Data is everything stored in the key-value store for a token. It is all
// the information needed to make an authentication decision on the hot path.
type Data struct {
	Token   Token     `json:"token"`
	Type    Type      `json:"token_type"`
	Scopes  []string  `json:"scopes"`
	Created time.Time `json:"created"`
	Expires time.Time `json:"expires,omitzero"`
	UserInfo
}

// HasScope reports whether the token carries the given scope.
func (d *Data) HasScope(scope string) bool {
	return slices.Contains(d.Scopes, scope)
}

// Info is the database row for a token, returned by the token-info
// endpoints. It includes relationship fields not stored in the key-value
// store.
type Info struct {
	Key       string    `json:"token"`
	Username  string    `json:"username"`
	Type      Type      `json:"token_type"`
	TokenName string    `json:"token_name,omitempty"`
	Service   string    `json:"service,omitempty"`
	Scopes    []string  `json:"scopes"`
	Created   time.Time `json:"created"`
	LastUsed  time.Time `json:"last_used,omitzero"`
	Expires   time.Time `json:"expires,omitzero"`
	Parent    string    `json:"parent,omitempty"`
}

// ChangeAction is the kind of event recorded in the token change history.
type ChangeAction string

// Change history actions.
const (
	ActionCreate ChangeAction = "create"
	ActionEdit   ChangeAction = "edit"
	ActionExpire ChangeAction = "expire"
	ActionRevoke ChangeAction = "revoke"
)

// ChangeEntry is one append-only record of a change to a token.
type ChangeEntry struct {
	Key       string       `json:"token"`
	Username  string       `json:"username"`
	Type      Type         `json:"token_type"`
	Parent    string       `json:"parent,omitempty"`
	Service   string       `json:"service,omitempty"`
	Scopes    []string     `json:"scopes"`
	Expires   time.Time    `json:"expires,omitzero"`
	Actor     string       `json:"actor"`
	Action    ChangeAction `json:"action"`
	IPAddress string       `json:"ip_address,omitempty"`
	EventTime time.Time    `json:"event_time"`
}

// SortScopes returns a sorted copy of scopes with duplicates removed.
func SortScopes(scopes []string) []string {
	out := slices.Clone(scopes)
	slices.Sort(out)
	return slices.Compact(out)
}

// JoinScopes serializes scopes for database storage: comma-delimited and
// sorted.
func JoinScopes(scopes []string) string {
	return strings.Join(SortScopes(scopes), ",")
}

// SplitScopes parses the database serialization of scopes.
func SplitScopes(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

// IsSubset reports whether every scope in sub is present in super.
func IsSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}

// Intersect returns the sorted intersection of two scope lists.
func Intersect(a, b []string) []string {
	var out []string
	for _, s := range a {
		if slices.Contains(b, s) {
			out = append(out, s)
		}
	}
	return SortScopes(out)
}
