package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Setting keys.
const (
	SettingBaseURL          = "base_url"
	SettingPublicDomain     = "public_domain"
	SettingAppName          = "app_name"
	SettingSyncInterval     = "sync_interval_minutes"
	SettingLogRetentionDays = "log_retention_days"
	SettingLegacyFeedToken  = "legacy_feed_token"
)

// DefaultSettings are returned for keys that were never written.
var DefaultSettings = map[string]string{
	SettingBaseURL:          "http://localhost:5000",
	SettingPublicDomain:     "",
	SettingAppName:          "Calendar Aggregator",
	SettingSyncInterval:     "10",
	SettingLogRetentionDays: "30",
}

// GetSetting returns the stored value of key, or its default.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return DefaultSettings[key], nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting stores value under key.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	query := `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, unix(s.now())); err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// Settings returns every setting, defaults included.
func (s *Store) Settings(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, len(DefaultSettings))
	for k, v := range DefaultSettings {
		out[k] = v
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return out, nil
}

// SyncInterval returns the configured sync interval in minutes.
func (s *Store) SyncInterval(ctx context.Context) (int, error) {
	v, err := s.GetSetting(ctx, SettingSyncInterval)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", SettingSyncInterval, v, err)
	}
	return n, nil
}

// SetSyncInterval persists the sync interval in minutes.
func (s *Store) SetSyncInterval(ctx context.Context, minutes int) error {
	return s.SetSetting(ctx, SettingSyncInterval, strconv.Itoa(minutes))
}
