// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

// AdminStore manages the list of token administrators. Administrators may
// act on any user's tokens and manage the administrator list itself.
type AdminStore struct {
	db *sql.DB
}

// NewAdminStore creates an admin store on top of an open database.
func NewAdminStore(d *DB) *AdminStore {
	return &AdminStore{db: d.DB()}
}

// Bootstrap seeds the administrator list from configuration if and only if
// the list is currently empty. Reports whether seeding happened.
func (s *AdminStore) Bootstrap(ctx context.Context, usernames []string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	var count int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM admins").Scan(&count); err != nil {
		return false, fmt.Errorf("failed to count admins: %w", err)
	}
	if count > 0 {
		return false, nil
	}
	for _, username := range usernames {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO admins (username) VALUES (?)", username)
		if err != nil {
			return false, fmt.Errorf("failed to seed admin %s: %w", username, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Add grants admin to a user. Adding an existing admin is a no-op.
func (s *AdminStore) Add(ctx context.Context, username string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO admins (username) VALUES (?) ON CONFLICT DO NOTHING",
		username)
	if err != nil {
		return fmt.Errorf("failed to add admin: %w", err)
	}
	return nil
}

// Delete revokes admin from a user. Reports whether the user was an admin.
func (s *AdminStore) Delete(ctx context.Context, username string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM admins WHERE username = ?", username)
	if err != nil {
		return false, fmt.Errorf("failed to delete admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to delete admin: %w", err)
	}
	return n > 0, nil
}

// IsAdmin reports whether a user is an administrator.
func (s *AdminStore) IsAdmin(ctx context.Context, username string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM admins WHERE username = ?", username).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check admin: %w", err)
	}
	return n > 0, nil
}

// List returns all administrators in alphabetical order.
func (s *AdminStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT username FROM admins ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("failed to list admins: %w", err)
	}
	defer rows.Close()

	var admins []string
	for rows.Next() {
		var username string
		if err := rows.Scan(&username); err != nil {
			return nil, fmt.Errorf("failed to scan admin: %w", err)
		}
		admins = append(admins, username)
	}
	return admins, rows.Err()
}
