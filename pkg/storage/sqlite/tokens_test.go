// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func sessionData(username string, scopes []string, lifetime time.Duration) *token.Data {
	now := time.Now().Truncate(time.Second).UTC()
	data := &token.Data{
		Token:   token.New(),
		Type:    token.TypeSession,
		Scopes:  scopes,
		Created: now,
	}
	if lifetime > 0 {
		data.Expires = now.Add(lifetime)
	}
	data.Username = username
	return data
}

func TestTokenStoreAddAndGetInfo(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	data := sessionData("someuser", []string{"user:token", "read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, data, "", "", ""))

	info, err := store.GetInfo(ctx, data.Token.Key)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, data.Token.Key, info.Key)
	assert.Equal(t, "someuser", info.Username)
	assert.Equal(t, token.TypeSession, info.Type)
	assert.Equal(t, []string{"read:all", "user:token"}, info.Scopes)
	assert.Equal(t, data.Created, info.Created)
	assert.Equal(t, data.Expires, info.Expires)
	assert.Empty(t, info.Parent)
	assert.True(t, info.LastUsed.IsZero())

	info, err = store.GetInfo(ctx, "nosuchkey")
	require.NoError(t, err)
	assert.Nil(t, info)
}

func TestTokenStoreDuplicateName(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	first := sessionData("someuser", []string{"read:all"}, 0)
	first.Type = token.TypeUser
	require.NoError(t, store.Add(ctx, first, "laptop", "", ""))

	second := sessionData("someuser", []string{"read:all"}, 0)
	second.Type = token.TypeUser
	err := store.Add(ctx, second, "laptop", "", "")
	require.Error(t, err)
	assert.Equal(t, gateerr.CodeInvalidRequest, gateerr.Code(err))

	// The same name is fine for a different user, and unnamed tokens never
	// collide.
	third := sessionData("otheruser", []string{"read:all"}, 0)
	third.Type = token.TypeUser
	require.NoError(t, store.Add(ctx, third, "laptop", "", ""))
	require.NoError(t, store.Add(ctx, sessionData("someuser", nil, 0), "", "", ""))
	require.NoError(t, store.Add(ctx, sessionData("someuser", nil, 0), "", "", ""))
}

func TestTokenStoreParentChild(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	parent := sessionData("someuser", []string{"read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, parent, "", "", ""))

	child := sessionData("someuser", []string{"read:all"}, time.Hour)
	child.Type = token.TypeInternal
	require.NoError(t, store.Add(ctx, child, "", "some-service", parent.Token.Key))

	info, err := store.GetInfo(ctx, child.Token.Key)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, parent.Token.Key, info.Parent)
	assert.Equal(t, "some-service", info.Service)

	children, err := store.GetChildren(ctx, parent.Token.Key)
	require.NoError(t, err)
	assert.Equal(t, []string{child.Token.Key}, children)

	// Deleting the child removes the subtoken link by cascade.
	deleted, err := store.Delete(ctx, child.Token.Key)
	require.NoError(t, err)
	assert.True(t, deleted)
	children, err = store.GetChildren(ctx, parent.Token.Key)
	require.NoError(t, err)
	assert.Empty(t, children)

	deleted, err = store.Delete(ctx, child.Token.Key)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestTokenStoreList(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	old := sessionData("someuser", nil, time.Hour)
	old.Created = old.Created.Add(-time.Hour)
	require.NoError(t, store.Add(ctx, old, "", "", ""))
	newer := sessionData("someuser", nil, time.Hour)
	require.NoError(t, store.Add(ctx, newer, "", "", ""))
	other := sessionData("otheruser", nil, time.Hour)
	require.NoError(t, store.Add(ctx, other, "", "", ""))

	infos, err := store.ListByUsername(ctx, "someuser")
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, newer.Token.Key, infos[0].Key)
	assert.Equal(t, old.Token.Key, infos[1].Key)

	infos, err = store.ListAll(ctx)
	require.NoError(t, err)
	assert.Len(t, infos, 3)

	keys, err := store.ListKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, keys, 3)
}

func TestTokenStoreModify(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	data := sessionData("someuser", []string{"read:all"}, time.Hour)
	data.Type = token.TypeUser
	require.NoError(t, store.Add(ctx, data, "original", "", ""))

	name := "renamed"
	newExpires := time.Now().Add(2 * time.Hour).Truncate(time.Second).UTC()
	err := store.Modify(ctx, data.Token.Key, Modification{
		TokenName: &name,
		Scopes:    []string{"exec:admin", "read:all"},
		Expires:   &newExpires,
	})
	require.NoError(t, err)

	info, err := store.GetInfo(ctx, data.Token.Key)
	require.NoError(t, err)
	assert.Equal(t, "renamed", info.TokenName)
	assert.Equal(t, []string{"exec:admin", "read:all"}, info.Scopes)
	assert.Equal(t, newExpires, info.Expires)

	require.NoError(t, store.Modify(ctx, data.Token.Key, Modification{
		ClearExpires: true,
	}))
	info, err = store.GetInfo(ctx, data.Token.Key)
	require.NoError(t, err)
	assert.True(t, info.Expires.IsZero())
}

func TestTokenStoreGetInternalTokenKey(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	session := sessionData("someuser", []string{"read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, session, "", "", ""))
	internal := sessionData("someuser", []string{"read:all"}, time.Hour)
	internal.Type = token.TypeInternal
	require.NoError(t, store.Add(ctx, internal, "", "some-service", session.Token.Key))

	minExpires := time.Now().Add(30 * time.Minute)
	key, err := store.GetInternalTokenKey(
		ctx, session.Token.Key, "some-service", []string{"read:all"}, minExpires)
	require.NoError(t, err)
	assert.Equal(t, internal.Token.Key, key)

	// Different scopes, different service, or too little remaining lifetime
	// all miss.
	key, err = store.GetInternalTokenKey(
		ctx, session.Token.Key, "some-service", []string{"exec:admin"}, minExpires)
	require.NoError(t, err)
	assert.Empty(t, key)
	key, err = store.GetInternalTokenKey(
		ctx, session.Token.Key, "other-service", []string{"read:all"}, minExpires)
	require.NoError(t, err)
	assert.Empty(t, key)
	key, err = store.GetInternalTokenKey(
		ctx, session.Token.Key, "some-service", []string{"read:all"},
		time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, key)

	// A second session of the same user has its own dedup identity: the
	// first session's child is never reused under it.
	other := sessionData("someuser", []string{"read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, other, "", "", ""))
	key, err = store.GetInternalTokenKey(
		ctx, other.Token.Key, "some-service", []string{"read:all"}, minExpires)
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestTokenStoreGetNotebookTokenKey(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	session := sessionData("someuser", []string{"read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, session, "", "", ""))
	notebook := sessionData("someuser", []string{"read:all"}, time.Hour)
	notebook.Type = token.TypeNotebook
	require.NoError(t, store.Add(ctx, notebook, "", "", session.Token.Key))

	key, err := store.GetNotebookTokenKey(
		ctx, session.Token.Key, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, notebook.Token.Key, key)

	key, err = store.GetNotebookTokenKey(
		ctx, session.Token.Key, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, key)

	other := sessionData("someuser", []string{"read:all"}, time.Hour)
	require.NoError(t, store.Add(ctx, other, "", "", ""))
	key, err = store.GetNotebookTokenKey(
		ctx, other.Token.Key, time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestTokenStoreListExpired(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	expired := sessionData("someuser", nil, time.Hour)
	expired.Expires = time.Now().Add(-time.Minute).Truncate(time.Second).UTC()
	require.NoError(t, store.Add(ctx, expired, "", "", ""))
	live := sessionData("someuser", nil, time.Hour)
	require.NoError(t, store.Add(ctx, live, "", "", ""))
	forever := sessionData("someuser", nil, 0)
	require.NoError(t, store.Add(ctx, forever, "", "", ""))

	infos, err := store.ListExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, expired.Token.Key, infos[0].Key)
}

func TestTokenStoreUpdateLastUsed(t *testing.T) {
	t.Parallel()
	db := openTestDB(t)
	store := NewTokenStore(db)
	ctx := context.Background()

	data := sessionData("someuser", nil, time.Hour)
	require.NoError(t, store.Add(ctx, data, "", "", ""))

	when := time.Now().Truncate(time.Second).UTC()
	require.NoError(t, store.UpdateLastUsed(ctx, data.Token.Key, when))
	info, err := store.GetInfo(ctx, data.Token.Key)
	require.NoError(t, err)
	assert.Equal(t, when, info.LastUsed)
}
