// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package userinfo

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/ldap"
	"github.com/stacklok/authgate/pkg/token"
)

type fakeDirectory struct {
	data   ldap.UserData
	groups []token.Group

	// usernames maps upstream subjects to usernames. Nil means the
	// directory does not map subjects and returns them unchanged.
	usernames map[string]string
}

func (d *fakeDirectory) ResolveUsername(sub string) (string, error) {
	if d.usernames == nil {
		return sub, nil
	}
	return d.usernames[sub], nil
}

func (d *fakeDirectory) GetData(string) (ldap.UserData, error) {
	return d.data, nil
}

func (d *fakeDirectory) GetGroups(string) ([]token.Group, error) {
	return d.groups, nil
}

func (d *fakeDirectory) GetGroupNames(string) ([]string, error) {
	names := make([]string, 0, len(d.groups))
	for _, g := range d.groups {
		names = append(names, g.Name)
	}
	return names, nil
}

type fakeAllocator struct {
	mu    sync.Mutex
	next  int
	ids   map[string]int
	calls atomic.Int64
}

func newFakeAllocator(start int) *fakeAllocator {
	return &fakeAllocator{next: start, ids: make(map[string]int)}
}

func (a *fakeAllocator) allocate(name string) (int, error) {
	a.calls.Add(1)
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.ids[name]; ok {
		return id, nil
	}
	id := a.next
	a.next++
	a.ids[name] = id
	return id, nil
}

func (a *fakeAllocator) GetUID(_ context.Context, username string) (int, error) {
	return a.allocate(username)
}

func (a *fakeAllocator) GetGID(_ context.Context, group string) (int, error) {
	return a.allocate("group:" + group)
}

func sessionData(info token.UserInfo) *token.Data {
	return &token.Data{
		Token:    token.New(),
		Type:     token.TypeSession,
		UserInfo: info,
	}
}

func TestGetUserInfoTokenOnly(t *testing.T) {
	t.Parallel()
	svc := New(nil, nil, false, nil, nil)

	data := sessionData(token.UserInfo{
		Username: "someuser",
		Name:     "Some User",
		Email:    "someuser@example.com",
		UID:      1000,
		GID:      1000,
		Groups:   []token.Group{{Name: "g_special_users", ID: 2000}},
	})
	info, err := svc.GetUserInfo(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, &data.UserInfo, info)
}

func TestGetUserInfoLDAPWins(t *testing.T) {
	t.Parallel()
	directory := &fakeDirectory{
		data: ldap.UserData{
			Name:  "Directory Name",
			Email: "directory@example.com",
			UID:   1234,
			GID:   5678,
		},
		groups: []token.Group{{Name: "g_special_users", ID: 2000}},
	}
	svc := New(directory, nil, false, nil, nil)

	// Empty token fields are filled from LDAP, including groups.
	data := sessionData(token.UserInfo{Username: "someuser"})
	info, err := svc.GetUserInfo(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "Directory Name", info.Name)
	assert.Equal(t, "directory@example.com", info.Email)
	assert.Equal(t, 1234, info.UID)
	assert.Equal(t, 5678, info.GID)
	assert.Equal(t, []token.Group{{Name: "g_special_users", ID: 2000}}, info.Groups)

	// Token data takes precedence where present.
	data = sessionData(token.UserInfo{
		Username: "someuser",
		Name:     "Token Name",
		UID:      99,
		Groups:   []token.Group{{Name: "g_from_token"}},
	})
	info, err = svc.GetUserInfo(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, "Token Name", info.Name)
	assert.Equal(t, 99, info.UID)
	assert.Equal(t, 5678, info.GID)
	assert.Equal(t, []token.Group{{Name: "g_from_token"}}, info.Groups)
}

func TestGetUserInfoAllocator(t *testing.T) {
	t.Parallel()
	directory := &fakeDirectory{
		groups: []token.Group{{Name: "g_special_users", ID: 9999}},
	}
	allocator := newFakeAllocator(3000000)
	svc := New(directory, allocator, true, nil, nil)

	data := sessionData(token.UserInfo{Username: "someuser"})
	info, err := svc.GetUserInfo(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, 3000000, info.UID)

	// Directory GIDs are replaced by allocated ones, and the user private
	// group is added with GID equal to the UID.
	require.Len(t, info.Groups, 2)
	assert.Equal(t, token.Group{Name: "g_special_users", ID: 3000001}, info.Groups[0])
	assert.Equal(t, token.Group{Name: "someuser", ID: 3000000}, info.Groups[1])
	assert.Equal(t, 3000000, info.GID)

	// IDs are cached: a second resolution does not hit the allocator.
	calls := allocator.calls.Load()
	_, err = svc.GetUserInfo(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, calls, allocator.calls.Load())
}

func TestGetUserInfoCacheCoalesces(t *testing.T) {
	t.Parallel()
	allocator := newFakeAllocator(3000000)
	svc := New(nil, allocator, false, nil, nil)
	data := sessionData(token.UserInfo{Username: "someuser"})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			info, err := svc.GetUserInfo(context.Background(), data)
			assert.NoError(t, err)
			assert.Equal(t, 3000000, info.UID)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), allocator.calls.Load())
}

func TestResolveUsername(t *testing.T) {
	t.Parallel()

	// Without a directory the subject is the username.
	svc := New(nil, nil, false, nil, nil)
	username, err := svc.ResolveUsername("someuser")
	require.NoError(t, err)
	assert.Equal(t, "someuser", username)

	directory := &fakeDirectory{usernames: map[string]string{
		"https://idp.example.com/users/12345": "someuser",
	}}
	svc = New(directory, nil, false, nil, nil)
	username, err = svc.ResolveUsername("https://idp.example.com/users/12345")
	require.NoError(t, err)
	assert.Equal(t, "someuser", username)

	// An unknown subject resolves to nothing rather than leaking through
	// as a username.
	username, err = svc.ResolveUsername("https://idp.example.com/users/99999")
	require.NoError(t, err)
	assert.Empty(t, username)
}

func TestGetScopes(t *testing.T) {
	t.Parallel()
	groupScopes := map[string][]string{
		"g_admins":  {"admin:token", "read:all"},
		"g_readers": {"read:all"},
	}

	svc := New(nil, nil, false, groupScopes, nil)
	info := &token.UserInfo{
		Username: "someuser",
		Groups:   []token.Group{{Name: "g_admins"}, {Name: "g_unmapped"}},
	}
	scopes, found, err := svc.GetScopes(context.Background(), info)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"admin:token", "read:all", "user:token"}, scopes)

	// No mapped group: user:token only, and found reports false.
	info = &token.UserInfo{
		Username: "someuser",
		Groups:   []token.Group{{Name: "g_unmapped"}},
	}
	scopes, found, err = svc.GetScopes(context.Background(), info)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"user:token"}, scopes)

	// With a directory, group names come from LDAP instead of the token.
	directory := &fakeDirectory{groups: []token.Group{{Name: "g_readers"}}}
	svc = New(directory, nil, false, groupScopes, nil)
	scopes, found, err = svc.GetScopes(context.Background(),
		&token.UserInfo{Username: "someuser"})
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []string{"read:all", "user:token"}, scopes)
}
