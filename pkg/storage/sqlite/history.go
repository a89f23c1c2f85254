// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stacklok/authgate/pkg/token"
)

// HistoryStore is the append-only record of token changes.
type HistoryStore struct {
	db *sql.DB
}

// NewHistoryStore creates a history store on top of an open database.
func NewHistoryStore(d *DB) *HistoryStore {
	return &HistoryStore{db: d.DB()}
}

// Add appends one change record.
func (s *HistoryStore) Add(ctx context.Context, entry *token.ChangeEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO token_change_history (token, username, token_type, parent,
			service, scopes, expires, actor, action, ip_address, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Key,
		entry.Username,
		string(entry.Type),
		nullString(entry.Parent),
		nullString(entry.Service),
		token.JoinScopes(entry.Scopes),
		nullTime(entry.Expires),
		entry.Actor,
		string(entry.Action),
		nullString(entry.IPAddress),
		entry.EventTime.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to record token change: %w", err)
	}
	return nil
}

// ListForToken returns the change history of one token, newest first.
func (s *HistoryStore) ListForToken(ctx context.Context, key string) ([]*token.ChangeEntry, error) {
	return s.list(ctx, `
		SELECT token, username, token_type, parent, service, scopes, expires,
			actor, action, ip_address, event_time
		FROM token_change_history
		WHERE token = ? ORDER BY event_time DESC, id DESC`, key)
}

// ListForUser returns the change history of all of a user's tokens, newest
// first.
func (s *HistoryStore) ListForUser(ctx context.Context, username string) ([]*token.ChangeEntry, error) {
	return s.list(ctx, `
		SELECT token, username, token_type, parent, service, scopes, expires,
			actor, action, ip_address, event_time
		FROM token_change_history
		WHERE username = ? ORDER BY event_time DESC, id DESC`, username)
}

// DeleteBefore prunes history entries older than the horizon. Returns the
// number of entries removed.
func (s *HistoryStore) DeleteBefore(ctx context.Context, horizon time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM token_change_history WHERE event_time < ?", horizon.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune token history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune token history: %w", err)
	}
	return n, nil
}

func (s *HistoryStore) list(ctx context.Context, query string, args ...any) ([]*token.ChangeEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list token history: %w", err)
	}
	defer rows.Close()

	var entries []*token.ChangeEntry
	for rows.Next() {
		var (
			entry     token.ChangeEntry
			tokenType string
			parent    sql.NullString
			service   sql.NullString
			scopes    string
			expires   sql.NullInt64
			ipAddress sql.NullString
			action    string
			eventTime int64
		)
		err := rows.Scan(&entry.Key, &entry.Username, &tokenType, &parent,
			&service, &scopes, &expires, &entry.Actor, &action, &ipAddress,
			&eventTime)
		if err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}
		entry.Type = token.Type(tokenType)
		entry.Parent = parent.String
		entry.Service = service.String
		entry.Scopes = token.SplitScopes(scopes)
		if expires.Valid {
			entry.Expires = time.Unix(expires.Int64, 0).UTC()
		}
		entry.Action = token.ChangeAction(action)
		entry.IPAddress = ipAddress.String
		entry.EventTime = time.Unix(eventTime, 0).UTC()
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
