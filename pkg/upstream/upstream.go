// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the relying-party side of authgate: the
// upstream identity providers a user can log in through. Exactly one
// provider (GitHub or a generic OpenID Connect issuer) is configured per
// deployment.
package upstream

import (
	"context"

	"github.com/stacklok/authgate/pkg/token"
)

// Identity is the result of a completed upstream login.
type Identity struct {
	// UserInfo holds the claims asserted by the upstream provider. Only
	// the fields the provider knows are filled; the user-info service
	// supplements the rest.
	UserInfo token.UserInfo

	// GitHubToken is the upstream access token when the provider is
	// GitHub. It is kept in the state cookie so that it can be revoked at
	// logout.
	GitHubToken string
}

// Provider is one upstream identity provider.
type Provider interface {
	// LoginURL builds the authorization URL to redirect the user-agent to.
	LoginURL(state string) string

	// Callback redeems the authorization code from the provider callback
	// and resolves the user's identity.
	Callback(ctx context.Context, code string) (*Identity, error)
}

// Revoker is implemented by providers whose upstream sessions can be
// revoked at logout.
type Revoker interface {
	Revoke(ctx context.Context, accessToken string) error
}
