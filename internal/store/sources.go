package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calagg/internal/models"
)

const sourceColumns = `id, user_id, name, kind, url, username, password, calendar_id, masking, enabled,
	last_sync_at, last_sync_status, last_sync_error, created_at, updated_at`

// CreateSource inserts src with status pending and sets its id.
func (s *Store) CreateSource(ctx context.Context, src *models.Source) error {
	password, err := s.cipher.Encrypt(src.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt source password: %w", err)
	}
	now := s.now().UTC()

	query := `
		INSERT INTO calendar_sources (user_id, name, kind, url, username, password, calendar_id,
			masking, enabled, last_sync_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := s.db.ExecContext(ctx, query,
		nullableID(src.UserID), src.Name, string(src.Kind), src.URL, src.Username, password, src.CalendarID,
		boolInt(src.Masking), boolInt(src.Enabled), string(models.StatusPending), unix(now), unix(now),
	)
	if err != nil {
		return fmt.Errorf("failed to create source: %w", err)
	}
	if src.ID, err = res.LastInsertId(); err != nil {
		return fmt.Errorf("failed to read source id: %w", err)
	}
	src.LastSyncStatus = models.StatusPending
	src.CreatedAt, src.UpdatedAt = now, now
	return nil
}

// UpdateSource saves the configuration fields of src. Sync status is left alone.
func (s *Store) UpdateSource(ctx context.Context, src *models.Source) error {
	password, err := s.cipher.Encrypt(src.Password)
	if err != nil {
		return fmt.Errorf("failed to encrypt source password: %w", err)
	}
	now := s.now().UTC()

	query := `
		UPDATE calendar_sources
		SET name = ?, kind = ?, url = ?, username = ?, password = ?, calendar_id = ?,
			masking = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		src.Name, string(src.Kind), src.URL, src.Username, password, src.CalendarID,
		boolInt(src.Masking), boolInt(src.Enabled), unix(now), src.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	src.UpdatedAt = now
	return nil
}

// GetSource returns one source with its password decrypted.
func (s *Store) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM calendar_sources WHERE id = ?`, id)
	src, err := s.scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return src, err
}

// ListSources returns the sources of one user, or every source when userID is nil.
func (s *Store) ListSources(ctx context.Context, userID *int64) ([]*models.Source, error) {
	return s.listSources(ctx, userID, false)
}

// ListEnabledSources is ListSources restricted to enabled sources.
func (s *Store) ListEnabledSources(ctx context.Context, userID *int64) ([]*models.Source, error) {
	return s.listSources(ctx, userID, true)
}

// DeleteSource removes a source and, through the foreign key, its events.
func (s *Store) DeleteSource(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM calendar_sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) listSources(ctx context.Context, userID *int64, enabledOnly bool) ([]*models.Source, error) {
	query := `SELECT ` + sourceColumns + ` FROM calendar_sources WHERE 1 = 1`
	var args []any
	if userID != nil {
		query += ` AND user_id = ?`
		args = append(args, *userID)
	}
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.Source
	for rows.Next() {
		src, err := s.scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sources: %w", err)
	}
	return sources, nil
}

func (s *Store) scanSource(row scanner) (*models.Source, error) {
	var (
		src              models.Source
		userID           sql.NullInt64
		kind, status     string
		password         string
		masking, enabled int
		lastSync         sql.NullInt64
		created, updated int64
	)
	err := row.Scan(
		&src.ID, &userID, &src.Name, &kind, &src.URL, &src.Username, &password, &src.CalendarID,
		&masking, &enabled, &lastSync, &status, &src.LastSyncError, &created, &updated,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan source: %w", err)
	}

	if src.Password, err = s.cipher.Decrypt(password); err != nil {
		return nil, fmt.Errorf("failed to decrypt password for source %d: %w", src.ID, err)
	}
	src.UserID = idPtr(userID)
	src.Kind = models.SourceKind(kind)
	src.LastSyncStatus = models.SyncStatus(status)
	src.Masking = masking != 0
	src.Enabled = enabled != 0
	if lastSync.Valid {
		t := fromUnix(lastSync.Int64)
		src.LastSyncAt = &t
	}
	src.CreatedAt = fromUnix(created)
	src.UpdatedAt = fromUnix(updated)
	return &src, nil
}
