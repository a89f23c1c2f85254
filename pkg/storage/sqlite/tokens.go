// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stacklok/authgate/pkg/gateerr"
	"github.com/stacklok/authgate/pkg/token"
)

// TokenStore is the relational store for token metadata and the
// parent-child relationships between tokens.
type TokenStore struct {
	db *sql.DB
}

// NewTokenStore creates a token store on top of an open database.
func NewTokenStore(d *DB) *TokenStore {
	return &TokenStore{db: d.DB()}
}

// Modification describes an edit to a stored token. Nil fields are left
// unchanged. ClearExpires removes the expiration entirely.
type Modification struct {
	TokenName    *string
	Scopes       []string
	Expires      *time.Time
	ClearExpires bool
}

// Add records a new token. If parent is non-empty, a subtoken link is
// recorded as well. A duplicate token name for the same user is rejected.
func (s *TokenStore) Add(ctx context.Context, data *token.Data, tokenName, service, parent string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tokens (token, username, token_type, token_name, service,
			scopes, created, expires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		data.Token.Key,
		data.Username,
		string(data.Type),
		nullString(tokenName),
		nullString(service),
		token.JoinScopes(data.Scopes),
		data.Created.Unix(),
		nullTime(data.Expires),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return gateerr.InvalidRequest(
				fmt.Sprintf("Token name %q already in use", tokenName), err)
		}
		return fmt.Errorf("failed to store token: %w", err)
	}

	if parent != "" {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO subtokens (child, parent) VALUES (?, ?)",
			data.Token.Key, parent)
		if err != nil {
			return fmt.Errorf("failed to store subtoken link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Delete removes a token row. Subtoken links where this token is the child
// are removed by cascade; links where it is the parent are left for the
// caller, which walks children before deleting the parent.
func (s *TokenStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM tokens WHERE token = ?", key)
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	return n > 0, nil
}

// GetChildren returns the keys of all direct children of a token.
func (s *TokenStore) GetChildren(ctx context.Context, parent string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT child FROM subtokens WHERE parent = ?", parent)
	if err != nil {
		return nil, fmt.Errorf("failed to list child tokens: %w", err)
	}
	defer rows.Close()

	var children []string
	for rows.Next() {
		var child string
		if err := rows.Scan(&child); err != nil {
			return nil, fmt.Errorf("failed to scan child token: %w", err)
		}
		children = append(children, child)
	}
	return children, rows.Err()
}

const infoColumns = `
	t.token, t.username, t.token_type, t.token_name, t.service, t.scopes,
	t.created, t.last_used, t.expires, s.parent`

const infoFrom = `
	FROM tokens t LEFT JOIN subtokens s ON s.child = t.token`

// GetInfo retrieves the database record for a token by key. Returns nil
// without error if the token is unknown.
func (s *TokenStore) GetInfo(ctx context.Context, key string) (*token.Info, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT"+infoColumns+infoFrom+" WHERE t.token = ?", key)
	info, err := scanInfo(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve token info: %w", err)
	}
	return info, nil
}

// ListByUsername returns all tokens belonging to a user, newest first.
func (s *TokenStore) ListByUsername(ctx context.Context, username string) ([]*token.Info, error) {
	return s.list(ctx,
		"SELECT"+infoColumns+infoFrom+
			" WHERE t.username = ? ORDER BY t.created DESC, t.token", username)
}

// ListAll returns every token in the database, newest first. Admin only.
func (s *TokenStore) ListAll(ctx context.Context) ([]*token.Info, error) {
	return s.list(ctx,
		"SELECT"+infoColumns+infoFrom+" ORDER BY t.created DESC, t.token")
}

// ListKeys returns the keys of every token, used by the audit job to
// reconcile the database against Redis.
func (s *TokenStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT token FROM tokens")
	if err != nil {
		return nil, fmt.Errorf("failed to list token keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan token key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// ListExpired returns all tokens whose expiration has passed.
func (s *TokenStore) ListExpired(ctx context.Context, now time.Time) ([]*token.Info, error) {
	return s.list(ctx,
		"SELECT"+infoColumns+infoFrom+
			" WHERE t.expires IS NOT NULL AND t.expires <= ? ORDER BY t.expires",
		now.Unix())
}

// Modify edits the stored record of a token.
func (s *TokenStore) Modify(ctx context.Context, key string, mod Modification) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	if mod.TokenName != nil {
		_, err = tx.ExecContext(ctx,
			"UPDATE tokens SET token_name = ? WHERE token = ?",
			nullString(*mod.TokenName), key)
		if err != nil {
			if isUniqueViolation(err) {
				return gateerr.InvalidRequest(
					fmt.Sprintf("Token name %q already in use", *mod.TokenName), err)
			}
			return fmt.Errorf("failed to modify token: %w", err)
		}
	}
	if mod.Scopes != nil {
		_, err = tx.ExecContext(ctx,
			"UPDATE tokens SET scopes = ? WHERE token = ?",
			token.JoinScopes(mod.Scopes), key)
		if err != nil {
			return fmt.Errorf("failed to modify token: %w", err)
		}
	}
	if mod.ClearExpires {
		_, err = tx.ExecContext(ctx,
			"UPDATE tokens SET expires = NULL WHERE token = ?", key)
	} else if mod.Expires != nil {
		_, err = tx.ExecContext(ctx,
			"UPDATE tokens SET expires = ? WHERE token = ?",
			mod.Expires.Unix(), key)
	}
	if err != nil {
		return fmt.Errorf("failed to modify token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateLastUsed records when a token was last presented. Best-effort
// bookkeeping for the token listing UI.
func (s *TokenStore) UpdateLastUsed(ctx context.Context, key string, when time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET last_used = ? WHERE token = ?", when.Unix(), key)
	if err != nil {
		return fmt.Errorf("failed to update last used time: %w", err)
	}
	return nil
}

// GetInternalTokenKey finds a reusable internal token under the given
// parent for a service and exact scope set, expiring no sooner than
// minExpires. Returns "" if no such token exists. The dedup identity is
// the parent key, not the user: tokens derived from one session must not
// be handed out under another, or revoking the first session would kill
// delegated tokens still in use by the second.
func (s *TokenStore) GetInternalTokenKey(
	ctx context.Context,
	parent, service string,
	scopes []string,
	minExpires time.Time,
) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.token FROM tokens t
		JOIN subtokens s ON s.child = t.token
		WHERE s.parent = ? AND t.token_type = ? AND t.service = ? AND t.scopes = ?
			AND (t.expires IS NULL OR t.expires >= ?)
		LIMIT 1`,
		parent, string(token.TypeInternal), service,
		token.JoinScopes(scopes), minExpires.Unix())
	var key string
	if err := row.Scan(&key); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to find internal token: %w", err)
	}
	return key, nil
}

// GetNotebookTokenKey finds a reusable notebook token under the given
// parent expiring no sooner than minExpires. Returns "" if no such token
// exists.
func (s *TokenStore) GetNotebookTokenKey(
	ctx context.Context,
	parent string,
	minExpires time.Time,
) (string, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT t.token FROM tokens t
		JOIN subtokens s ON s.child = t.token
		WHERE s.parent = ? AND t.token_type = ?
			AND (t.expires IS NULL OR t.expires >= ?)
		LIMIT 1`,
		parent, string(token.TypeNotebook), minExpires.Unix())
	var key string
	if err := row.Scan(&key); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", fmt.Errorf("failed to find notebook token: %w", err)
	}
	return key, nil
}

func (s *TokenStore) list(ctx context.Context, query string, args ...any) ([]*token.Info, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tokens: %w", err)
	}
	defer rows.Close()

	var infos []*token.Info
	for rows.Next() {
		info, err := scanInfo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan token info: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInfo(row scanner) (*token.Info, error) {
	var (
		info      token.Info
		tokenType string
		tokenName sql.NullString
		service   sql.NullString
		scopes    string
		created   int64
		lastUsed  sql.NullInt64
		expires   sql.NullInt64
		parent    sql.NullString
	)
	err := row.Scan(&info.Key, &info.Username, &tokenType, &tokenName,
		&service, &scopes, &created, &lastUsed, &expires, &parent)
	if err != nil {
		return nil, err
	}
	info.Type = token.Type(tokenType)
	info.TokenName = tokenName.String
	info.Service = service.String
	info.Scopes = token.SplitScopes(scopes)
	info.Created = time.Unix(created, 0).UTC()
	if lastUsed.Valid {
		info.LastUsed = time.Unix(lastUsed.Int64, 0).UTC()
	}
	if expires.Valid {
		info.Expires = time.Unix(expires.Int64, 0).UTC()
	}
	info.Parent = parent.String
	return &info, nil
}

// nullString maps "" to SQL NULL so that the partial unique index on token
// names only applies to named tokens.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}
