package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureUser creates a user for the external identity if one doesn't
// exist and returns the internal record either way.
func (s *Store) EnsureUser(ctx context.Context, externalID, name string) (*User, error) {
	if u, err := s.UserByExternalID(ctx, externalID); err == nil {
		return u, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u := &User{
		ID:         s.newID(),
		ExternalID: externalID,
		Name:       name,
		CreatedAt:  time.Now().UnixMilli(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, external_id, name, created_at) VALUES (?,?,?,?)
		 ON CONFLICT(external_id) DO NOTHING`,
		u.ID, u.ExternalID, u.Name, u.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	// Re-read in case a concurrent insert won the conflict.
	return s.UserByExternalID(ctx, externalID)
}

// UserByExternalID resolves an external identity to the internal user
// record. Returns ErrNotFound if absent.
func (s *Store) UserByExternalID(ctx context.Context, externalID string) (*User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, external_id, name, created_at FROM users WHERE external_id = ?`,
		externalID)

	var u User
	err := row.Scan(&u.ID, &u.ExternalID, &u.Name, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	return &u, nil
}
