package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const securityKeyAPIToken = "api_token"

// SetAPIToken encrypts and stores the Simply Plural API token for the
// active profile.
func (s *Store) SetAPIToken(ctx context.Context, token string) error {
	if s.readOnly {
		return fmt.Errorf("config: set api token: store opened read-only")
	}
	if s.encryptionKey == nil {
		return fmt.Errorf("config: set api token: encryption key unavailable")
	}

	encrypted, err := encryptValue(s.encryptionKey, token)
	if err != nil {
		return fmt.Errorf("config: encrypt api token: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO security_settings (profile_name, key, value, updated_at)
        VALUES (?, ?, ?, CURRENT_TIMESTAMP)
        ON CONFLICT(profile_name, key) DO UPDATE SET
            value = excluded.value,
            updated_at = CURRENT_TIMESTAMP
    `, s.profileName, securityKeyAPIToken, encrypted)
	if err != nil {
		return fmt.Errorf("config: store api token: %w", err)
	}
	return nil
}

// APIToken returns the decrypted API token for the active profile.
// Returns a NotFoundError when no token has been configured.
func (s *Store) APIToken(ctx context.Context) (string, error) {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM security_settings WHERE profile_name = ? AND key = ?`,
		s.profileName, securityKeyAPIToken,
	).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", NotFoundError{Entity: "api token"}
	}
	if err != nil {
		return "", fmt.Errorf("config: load api token: %w", err)
	}

	if s.encryptionKey == nil {
		return "", fmt.Errorf("config: api token present but encryption key unavailable")
	}
	return decryptValue(s.encryptionKey, stored)
}

// DeleteAPIToken removes the stored token for the active profile.
func (s *Store) DeleteAPIToken(ctx context.Context) error {
	if s.readOnly {
		return fmt.Errorf("config: delete api token: store opened read-only")
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM security_settings WHERE profile_name = ? AND key = ?`,
		s.profileName, securityKeyAPIToken,
	)
	if err != nil {
		return fmt.Errorf("config: delete api token: %w", err)
	}
	return nil
}
