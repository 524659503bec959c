package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/solatis/segmentkeeper/internal/types"
)

type apiKeyRow struct {
	ID             string   `db:"api_key_id"`
	OrganizationID string   `db:"organization_id"`
	Name           string   `db:"name"`
	SecretID       string   `db:"secret_id"`
	CreatedAt      nullTime `db:"created_at"`
	RevokedAt      nullTime `db:"revoked_at"`
	LastUsedAt     nullTime `db:"last_used_at"`
}

// InsertAPIKey stores key under its hex HMAC hash.
func (s *Store) InsertAPIKey(ctx context.Context, key types.APIKey, hash string) error {
	_, err := s.q.ExecContext(ctx, "insert-api-key",
		key.ID, string(key.OrganizationID), key.Name, key.SecretID, hash,
		bindTime(s.q.Dialect(), key.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert api key: %w", err)
	}
	return nil
}

// APIKeyByHash implements auth.KeyStore.
func (s *Store) APIKeyByHash(ctx context.Context, hash string) (types.APIKey, error) {
	var row apiKeyRow
	err := s.q.GetContext(ctx, "get-api-key-by-hash", &row, hash)
	if errors.Is(err, sql.ErrNoRows) {
		return types.APIKey{}, types.ErrAPIKeyNotFound
	}
	if err != nil {
		return types.APIKey{}, err
	}
	return types.APIKey{
		ID:             row.ID,
		OrganizationID: types.OrganizationID(row.OrganizationID),
		Name:           row.Name,
		SecretID:       row.SecretID,
		CreatedAt:      row.CreatedAt.Time,
		LastUsedAt:     row.LastUsedAt.Ptr(),
		RevokedAt:      row.RevokedAt.Ptr(),
	}, nil
}

// TouchAPIKey implements auth.KeyStore.
func (s *Store) TouchAPIKey(ctx context.Context, id string, at time.Time) error {
	_, err := s.q.ExecContext(ctx, "update-last-used", bindTime(s.q.Dialect(), at), id)
	return err
}

// RevokeAPIKey marks a key revoked. Revoking twice returns ErrAPIKeyNotFound.
func (s *Store) RevokeAPIKey(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, "revoke-api-key", bindTime(s.q.Dialect(), at), id)
	if err != nil {
		return fmt.Errorf("revoke api key %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return types.ErrAPIKeyNotFound
	}
	return nil
}
