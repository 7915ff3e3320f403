package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/surfdude29/tweets-2-bsky-sub001/internal/models"
)

// ---- Session Operations ----

// SaveSession inserts or updates the cached destination session for s.Identifier.
func (db *DB) SaveSession(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (identifier, did, handle, access_jwt, refresh_jwt, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(identifier) DO UPDATE SET
			did = excluded.did,
			handle = excluded.handle,
			access_jwt = excluded.access_jwt,
			refresh_jwt = excluded.refresh_jwt,
			updated_at = CURRENT_TIMESTAMP;
	`
	_, err := db.ExecContext(ctx, query, s.Identifier, s.DID, s.Handle, s.AccessJwt, s.RefreshJwt)
	if err != nil {
		return fmt.Errorf("failed to save session for %s: %w", s.Identifier, err)
	}
	return nil
}

// GetSession returns the cached session for identifier, or nil when there is none.
func (db *DB) GetSession(ctx context.Context, identifier string) (*models.Session, error) {
	query := `SELECT identifier, did, handle, access_jwt, refresh_jwt, updated_at
		FROM sessions WHERE identifier = ?;`
	var s models.Session
	err := db.QueryRowContext(ctx, query, identifier).Scan(
		&s.Identifier, &s.DID, &s.Handle, &s.AccessJwt, &s.RefreshJwt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session for %s: %w", identifier, err)
	}
	return &s, nil
}

// DeleteSession drops the cached session, forcing a fresh login next time.
func (db *DB) DeleteSession(ctx context.Context, identifier string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM sessions WHERE identifier = ?;`, identifier); err != nil {
		return fmt.Errorf("failed to delete session for %s: %w", identifier, err)
	}
	return nil
}
