package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calagg/internal/models"
)

// GetOAuthClient returns the application credentials of a provider.
func (s *Store) GetOAuthClient(ctx context.Context, provider models.Provider) (*models.OAuthClient, error) {
	var (
		c      = models.OAuthClient{Provider: provider}
		secret string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT client_id, client_secret, tenant_id FROM oauth_clients WHERE provider = ?`, string(provider),
	).Scan(&c.ClientID, &secret, &c.TenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth client: %w", err)
	}
	if c.ClientSecret, err = s.cipher.Decrypt(secret); err != nil {
		return nil, fmt.Errorf("failed to decrypt client secret: %w", err)
	}
	return &c, nil
}

// SaveOAuthClient creates or replaces the credentials of a provider.
func (s *Store) SaveOAuthClient(ctx context.Context, c *models.OAuthClient) error {
	secret, err := s.cipher.Encrypt(c.ClientSecret)
	if err != nil {
		return fmt.Errorf("failed to encrypt client secret: %w", err)
	}
	query := `
		INSERT INTO oauth_clients (provider, client_id, client_secret, tenant_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider) DO UPDATE SET
			client_id = excluded.client_id,
			client_secret = excluded.client_secret,
			tenant_id = excluded.tenant_id,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, string(c.Provider), c.ClientID, secret, c.TenantID, unix(s.now())); err != nil {
		return fmt.Errorf("failed to save oauth client: %w", err)
	}
	return nil
}

// GetOAuthToken returns the token of a provider for a user. A nil userID
// addresses the legacy single-tenant token.
func (s *Store) GetOAuthToken(ctx context.Context, provider models.Provider, userID *int64) (*models.OAuthToken, error) {
	var (
		t               = models.OAuthToken{Provider: provider, UserID: userID}
		access, refresh string
		expiry          sql.NullInt64
		updated         int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, expiry, email, updated_at
		FROM oauth_tokens WHERE provider = ? AND user_id IS ?
	`, string(provider), nullableID(userID)).Scan(&access, &refresh, &expiry, &t.Email, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get oauth token: %w", err)
	}

	if t.AccessToken, err = s.cipher.Decrypt(access); err != nil {
		return nil, fmt.Errorf("failed to decrypt access token: %w", err)
	}
	if t.RefreshToken, err = s.cipher.Decrypt(refresh); err != nil {
		return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
	}
	if expiry.Valid {
		t.Expiry = fromUnix(expiry.Int64)
	}
	t.UpdatedAt = fromUnix(updated)
	return &t, nil
}

// SaveOAuthToken creates or replaces the token of a provider for a user.
func (s *Store) SaveOAuthToken(ctx context.Context, t *models.OAuthToken) error {
	access, err := s.cipher.Encrypt(t.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	refresh, err := s.cipher.Encrypt(t.RefreshToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt refresh token: %w", err)
	}
	var expiry any
	if !t.Expiry.IsZero() {
		expiry = unix(t.Expiry)
	}
	now := unix(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE oauth_tokens SET access_token = ?, refresh_token = ?, expiry = ?, email = ?, updated_at = ?
		WHERE provider = ? AND user_id IS ?
	`, access, refresh, expiry, t.Email, now, string(t.Provider), nullableID(t.UserID))
	if err != nil {
		return fmt.Errorf("failed to update oauth token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO oauth_tokens (provider, user_id, access_token, refresh_token, expiry, email, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(t.Provider), nullableID(t.UserID), access, refresh, expiry, t.Email, now)
		if err != nil {
			return fmt.Errorf("failed to insert oauth token: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit oauth token: %w", err)
	}
	return nil
}

// DeleteOAuthToken removes the token of a provider for a user.
func (s *Store) DeleteOAuthToken(ctx context.Context, provider models.Provider, userID *int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE provider = ? AND user_id IS ?`,
		string(provider), nullableID(userID))
	if err != nil {
		return fmt.Errorf("failed to delete oauth token: %w", err)
	}
	return nil
}
