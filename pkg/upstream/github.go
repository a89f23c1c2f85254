// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/stacklok/authgate/pkg/config"
	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

const githubAPI = "https://api.github.com"

// githubScopes asks for email addresses and organization membership.
const githubScopes = "read:org,user:email"

// invalidGroupChars strips characters not allowed in group names when
// deriving them from GitHub org and team slugs.
var invalidGroupChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// GitHub authenticates users against GitHub. The username is the
// lowercased login, the UID is the GitHub account ID, and groups are
// derived from team memberships as org-slug pairs.
type GitHub struct {
	oauth   oauth2.Config
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

// NewGitHub creates the GitHub provider. redirectURL is this server's
// /login endpoint.
func NewGitHub(cfg config.GitHubConfig, redirectURL string, logger *slog.Logger) *GitHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &GitHub{
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     github.Endpoint,
			RedirectURL:  redirectURL,
			Scopes:       strings.Split(githubScopes, ","),
		},
		apiBase: githubAPI,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// LoginURL builds the GitHub authorization URL.
func (g *GitHub) LoginURL(state string) string {
	return g.oauth.AuthCodeURL(state)
}

// Callback redeems the code and assembles the identity from the GitHub
// user, email, and team APIs.
func (g *GitHub) Callback(ctx context.Context, code string) (*Identity, error) {
	oauthToken, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, gateerr.New(gateerr.CodeProvider,
			"Cannot redeem authorization code with GitHub", err)
	}
	accessToken := oauthToken.AccessToken

	var user struct {
		Login string `json:"login"`
		ID    int    `json:"id"`
		Name  string `json:"name"`
	}
	if err := g.get(ctx, accessToken, "/user", &user); err != nil {
		return nil, err
	}
	if user.Login == "" {
		return nil, gateerr.New(gateerr.CodeProvider,
			"GitHub user response has no login", nil)
	}

	var emails []struct {
		Email   string `json:"email"`
		Primary bool   `json:"primary"`
	}
	if err := g.get(ctx, accessToken, "/user/emails", &emails); err != nil {
		return nil, err
	}
	email := ""
	for _, e := range emails {
		if e.Primary {
			email = e.Email
			break
		}
	}

	var teams []struct {
		Slug         string `json:"slug"`
		ID           int    `json:"id"`
		Organization struct {
			Login string `json:"login"`
		} `json:"organization"`
	}
	if err := g.get(ctx, accessToken, "/user/teams", &teams); err != nil {
		return nil, err
	}
	var groups []token.Group
	for _, t := range teams {
		groups = append(groups, token.Group{
			Name: teamGroupName(t.Organization.Login, t.Slug),
			ID:   t.ID,
		})
	}

	return &Identity{
		UserInfo: token.UserInfo{
			Username: strings.ToLower(user.Login),
			Name:     user.Name,
			Email:    email,
			UID:      user.ID,
			GID:      user.ID,
			Groups:   groups,
		},
		GitHubToken: accessToken,
	}, nil
}

// Revoke invalidates the upstream OAuth grant at logout so that a
// subsequent login forces reauthentication with GitHub.
func (g *GitHub) Revoke(ctx context.Context, accessToken string) error {
	body := strings.NewReader(fmt.Sprintf(`{"access_token": %q}`, accessToken))
	url := fmt.Sprintf("%s/applications/%s/grant", g.apiBase, g.oauth.ClientID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, body)
	if err != nil {
		return err
	}
	req.SetBasicAuth(g.oauth.ClientID, g.oauth.ClientSecret)
	req.Header.Set("Accept", "application/vnd.github+json")

	res, err := g.client.Do(req)
	if err != nil {
		return gateerr.New(gateerr.CodeProvider,
			"Cannot revoke GitHub OAuth grant", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNoContent {
		return gateerr.New(gateerr.CodeProvider,
			fmt.Sprintf("GitHub grant revocation failed with status %d", res.StatusCode), nil)
	}
	return nil
}

func (g *GitHub) get(ctx context.Context, accessToken, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.apiBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/vnd.github+json")

	res, err := g.client.Do(req)
	if err != nil {
		return gateerr.New(gateerr.CodeProvider,
			fmt.Sprintf("GitHub API request %s failed", path), err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return gateerr.New(gateerr.CodeProvider,
			fmt.Sprintf("GitHub API request %s failed with status %d", path, res.StatusCode), nil)
	}
	blob, err := io.ReadAll(res.Body)
	if err != nil {
		return gateerr.New(gateerr.CodeProvider,
			fmt.Sprintf("GitHub API request %s failed", path), err)
	}
	if err := json.Unmarshal(blob, out); err != nil {
		return gateerr.New(gateerr.CodeProvider,
			fmt.Sprintf("Cannot parse GitHub API response from %s", path), err)
	}
	return nil
}

// teamGroupName derives a group name from an org and team slug. GitHub
// slugs may contain characters invalid in group names; those are
// replaced with dashes.
func teamGroupName(org, slug string) string {
	name := strings.ToLower(org) + "-" + strings.ToLower(slug)
	return invalidGroupChars.ReplaceAllString(name, "-")
}
