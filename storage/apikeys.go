package storage

import (
	"context"
	"database/sql"
	"errors"

	"github.com/raid-guild/split-facilitator-go/utils"
)

// --- API keys ---

// HasAPIKey reports whether the key exists in the users table.
func (s *Store) HasAPIKey(ctx context.Context, apiKey string) (bool, error) {
	var stored string
	err := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT api_key FROM users WHERE api_key = ?`), apiKey,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, utils.StorageError("failed to query api key", err)
	}
	return true, nil
}

// AddAPIKey inserts an API key. Adding an existing key is a no-op.
func (s *Store) AddAPIKey(ctx context.Context, apiKey string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO users (api_key) VALUES (?) ON CONFLICT (api_key) DO NOTHING`), apiKey)
	if err != nil {
		return utils.StorageError("failed to add api key", err)
	}
	return nil
}
