// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oidcserver

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

func TestAuthorizationStoreSealsValuesAtRest(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, testCodec(t), nil)
	ctx := context.Background()

	session := token.New()
	auth := &Authorization{
		Code:        NewCode(),
		ClientID:    "some-id",
		RedirectURI: "https://h:4444/foo",
		Token:       session,
		Scopes:      []string{"openid"},
		Created:     time.Now().UTC(),
	}
	require.NoError(t, store.Create(ctx, auth))

	// An authorization embeds the session token; the raw Redis value must
	// be an opaque sealed blob.
	raw, err := mr.Get(codeKeyPrefix + auth.Code.Key)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, "v1."))
	assert.NotContains(t, raw, session.Secret)
	assert.NotContains(t, raw, auth.Code.Secret)
	assert.NotContains(t, raw, "some-id")

	got, err := store.Get(ctx, auth.Code)
	require.NoError(t, err)
	assert.Equal(t, session, got.Token)

	// A cleartext entry fails decryption and redeems as invalid_grant.
	require.NoError(t, mr.Set(codeKeyPrefix+auth.Code.Key, `{"client_id":"some-id"}`))
	_, err = store.Get(ctx, auth.Code)
	assert.Equal(t, gateerr.CodeInvalidGrant, gateerr.Code(err))
}
