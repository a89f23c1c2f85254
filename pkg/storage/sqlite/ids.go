// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/stacklok/authgate/pkg/gateerr"
)

// Allocation namespaces. Bot users draw from a separate UID range so that
// service accounts are visually distinct from humans.
const (
	namespaceUID    = "uid"
	namespaceBotUID = "bot-uid"
	namespaceGID    = "gid"
)

// BotUserPrefix marks usernames of service accounts.
const BotUserPrefix = "bot-"

// Default allocation ranges. A Max of zero means unbounded.
var (
	DefaultUIDRange    = IDRange{Min: 3000000}
	DefaultBotUIDRange = IDRange{Min: 100000, Max: 199999}
	DefaultGIDRange    = IDRange{Min: 2000000, Max: 2999999}
)

// IDRange bounds an allocation namespace.
type IDRange struct {
	Min int
	Max int
}

// IDStore assigns stable UIDs and GIDs. Each name is assigned the next free
// ID in its namespace exactly once; later lookups return the same ID. The
// counter increment and the mapping insert happen in one transaction so
// that concurrent first lookups cannot assign two IDs to one name.
type IDStore struct {
	db      *sql.DB
	uids    IDRange
	botUIDs IDRange
	gids    IDRange
}

// NewIDStore creates an ID store with the default allocation ranges.
func NewIDStore(d *DB) *IDStore {
	return &IDStore{
		db:      d.DB(),
		uids:    DefaultUIDRange,
		botUIDs: DefaultBotUIDRange,
		gids:    DefaultGIDRange,
	}
}

// GetUID returns the UID for a username, allocating one on first use. Bot
// users (usernames starting with bot-) draw from the bot range.
func (s *IDStore) GetUID(ctx context.Context, username string) (int, error) {
	if strings.HasPrefix(username, BotUserPrefix) {
		return s.allocate(ctx, namespaceBotUID, username, s.botUIDs)
	}
	return s.allocate(ctx, namespaceUID, username, s.uids)
}

// GetGID returns the GID for a group name, allocating one on first use.
func (s *IDStore) GetGID(ctx context.Context, group string) (int, error) {
	return s.allocate(ctx, namespaceGID, group, s.gids)
}

func (s *IDStore) allocate(ctx context.Context, namespace, name string, rng IDRange) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	var id int
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM id_mappings WHERE namespace = ? AND name = ?",
		namespace, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to look up assigned ID: %w", err)
	}

	next := rng.Min
	var counter int
	err = tx.QueryRowContext(ctx,
		"SELECT next_id FROM id_counters WHERE namespace = ?",
		namespace).Scan(&counter)
	switch {
	case err == nil:
		next = counter
	case err != sql.ErrNoRows:
		return 0, fmt.Errorf("failed to read ID counter: %w", err)
	}

	if rng.Max > 0 && next > rng.Max {
		return 0, gateerr.New(gateerr.CodeExhausted,
			fmt.Sprintf("No %s left for %s", namespace, name), nil)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO id_counters (namespace, next_id) VALUES (?, ?)
		ON CONFLICT (namespace) DO UPDATE SET next_id = excluded.next_id`,
		namespace, next+1)
	if err != nil {
		return 0, fmt.Errorf("failed to advance ID counter: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO id_mappings (namespace, name, id) VALUES (?, ?, ?)",
		namespace, name, next)
	if err != nil {
		return 0, fmt.Errorf("failed to record ID assignment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return next, nil
}
