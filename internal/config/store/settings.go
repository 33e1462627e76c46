package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Setting keys recognised by the CLI and daemon. Unknown keys are stored
// verbatim so forward-compatible clients can add their own.
const (
	SettingCacheFrontersTTL     = "cache_fronters_ttl"
	SettingCacheMembersTTL      = "cache_members_ttl"
	SettingCacheCustomFrontsTTL = "cache_custom_fronts_ttl"
	SettingAPITimeout           = "api_timeout"
	SettingAPIMaxRetries        = "api_max_retries"
)

// Defaults applied when a setting has never been written.
var defaultSettings = map[string]string{
	SettingCacheFrontersTTL:     "300",
	SettingCacheMembersTTL:      "3600",
	SettingCacheCustomFrontsTTL: "3600",
	SettingAPITimeout:           "10",
	SettingAPIMaxRetries:        "3",
}

// DefaultSettings returns a copy of the built-in defaults.
func DefaultSettings() map[string]string {
	out := make(map[string]string, len(defaultSettings))
	for k, v := range defaultSettings {
		out[k] = v
	}
	return out
}

// LoadSettings returns key/value settings for the active profile.
// Optional keys limit the selection to specific entries.
func (s *Store) LoadSettings(ctx context.Context, keys ...string) (map[string]string, error) {
	query := `SELECT key, value FROM settings WHERE profile_name = ?`
	args := []any{s.profileName}

	if len(keys) > 0 {
		placeholders := strings.TrimRight(strings.Repeat("?,", len(keys)), ",")
		query += fmt.Sprintf(" AND key IN (%s)", placeholders)
		for _, key := range keys {
			args = append(args, key)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("config: load settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("config: scan settings row: %w", err)
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("config: iterate settings rows: %w", err)
	}

	return result, nil
}

// SaveSettings upserts the provided key/value pairs for the active profile.
func (s *Store) SaveSettings(ctx context.Context, values map[string]string) error {
	if s.readOnly {
		return fmt.Errorf("config: save settings: store opened read-only")
	}
	if len(values) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
            INSERT INTO settings (profile_name, key, value, updated_at)
            VALUES (?, ?, ?, CURRENT_TIMESTAMP)
            ON CONFLICT(profile_name, key) DO UPDATE SET
                value = excluded.value,
                updated_at = CURRENT_TIMESTAMP
        `)
		if err != nil {
			return fmt.Errorf("config: prepare save settings: %w", err)
		}
		defer stmt.Close()

		for key, value := range values {
			if _, err := stmt.ExecContext(ctx, s.profileName, key, value); err != nil {
				return fmt.Errorf("config: exec save setting %q: %w", key, err)
			}
		}
		return nil
	})
}

// Setting returns a single setting value, falling back to the built-in
// default when the key has never been written.
func (s *Store) Setting(ctx context.Context, key string) (string, error) {
	values, err := s.LoadSettings(ctx, key)
	if err != nil {
		return "", err
	}
	if v, ok := values[key]; ok {
		return v, nil
	}
	if v, ok := defaultSettings[key]; ok {
		return v, nil
	}
	return "", NotFoundError{Entity: "setting", Key: key}
}

func (s *Store) intSetting(ctx context.Context, key string) (int, error) {
	raw, err := s.Setting(ctx, key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("config: setting %q is not an integer: %w", key, err)
	}
	return v, nil
}

// CacheTTL returns the configured time-to-live for a cache collection key
// ("fronters", "members" or "custom_fronts").
func (s *Store) CacheTTL(ctx context.Context, collection string) (time.Duration, error) {
	var key string
	switch collection {
	case "fronters":
		key = SettingCacheFrontersTTL
	case "members":
		key = SettingCacheMembersTTL
	case "custom_fronts":
		key = SettingCacheCustomFrontsTTL
	default:
		return 0, fmt.Errorf("config: unknown cache collection %q", collection)
	}

	seconds, err := s.intSetting(ctx, key)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// APITimeout returns the configured REST request timeout.
func (s *Store) APITimeout(ctx context.Context) (time.Duration, error) {
	seconds, err := s.intSetting(ctx, SettingAPITimeout)
	if err != nil {
		return 0, err
	}
	return time.Duration(seconds) * time.Second, nil
}

// APIMaxRetries returns the configured REST retry budget.
func (s *Store) APIMaxRetries(ctx context.Context) (int, error) {
	return s.intSetting(ctx, SettingAPIMaxRetries)
}
