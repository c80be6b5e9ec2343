package store

import (
	"context"
	"fmt"
	"time"

	"calagg/internal/models"
)

// ReplaceEvents swaps the stored events of a source for events and marks the
// sync successful. Everything happens in one transaction, so readers never see
// a partial set.
func (s *Store) ReplaceEvents(ctx context.Context, sourceID int64, events []models.Event, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE calendar_sources
		SET last_sync_at = ?, last_sync_status = ?, last_sync_error = ''
		WHERE id = ?
	`, unix(at), string(models.StatusSuccess), sourceID)
	if err != nil {
		return fmt.Errorf("failed to update sync status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE source_id = ?`, sourceID); err != nil {
		return fmt.Errorf("failed to delete events: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (source_id, uid, start_at, end_at, all_day, summary, description, location, synced_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, ev := range events {
		_, err := stmt.ExecContext(ctx,
			sourceID, ev.UID, unix(ev.Start), unix(ev.End), boolInt(ev.AllDay),
			ev.Summary, ev.Description, ev.Location, unix(at),
		)
		if err != nil {
			return fmt.Errorf("failed to insert event %q: %w", ev.UID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit events: %w", err)
	}
	return nil
}

// RecordSyncFailure marks the last sync of a source as failed. Stored events
// are left untouched.
func (s *Store) RecordSyncFailure(ctx context.Context, sourceID int64, message string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE calendar_sources
		SET last_sync_at = ?, last_sync_status = ?, last_sync_error = ?
		WHERE id = ?
	`, unix(at), string(models.StatusError), message, sourceID)
	if err != nil {
		return fmt.Errorf("failed to record sync failure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEvents returns the stored events of one source ordered by start.
func (s *Store) ListEvents(ctx context.Context, sourceID int64) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, source_id, uid, start_at, end_at, all_day, summary, description, location, synced_at
		FROM events WHERE source_id = ?
		ORDER BY start_at, id
	`, sourceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var (
			ev                 models.Event
			start, end, synced int64
			allDay             int
		)
		if err := rows.Scan(&ev.ID, &ev.SourceID, &ev.UID, &start, &end, &allDay,
			&ev.Summary, &ev.Description, &ev.Location, &synced); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Start, ev.End, ev.SyncedAt = fromUnix(start), fromUnix(end), fromUnix(synced)
		ev.AllDay = allDay != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// CountEvents returns how many events are stored for a source.
func (s *Store) CountEvents(ctx context.Context, sourceID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE source_id = ?`, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// ListFeedEvents returns the events of enabled sources joined with their
// source name and masking flag, ordered by start. A nil userID covers every
// source.
func (s *Store) ListFeedEvents(ctx context.Context, userID *int64) ([]models.FeedEvent, error) {
	query := `
		SELECT e.id, e.source_id, e.uid, e.start_at, e.end_at, e.all_day, e.summary, e.description,
			e.location, e.synced_at, c.name, c.masking
		FROM events e
		JOIN calendar_sources c ON c.id = e.source_id
		WHERE c.enabled = 1
	`
	var args []any
	if userID != nil {
		query += ` AND c.user_id = ?`
		args = append(args, *userID)
	}
	query += ` ORDER BY e.start_at, e.id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list feed events: %w", err)
	}
	defer rows.Close()

	var events []models.FeedEvent
	for rows.Next() {
		var (
			ev                 models.FeedEvent
			start, end, synced int64
			allDay, masking    int
		)
		if err := rows.Scan(&ev.ID, &ev.SourceID, &ev.UID, &start, &end, &allDay, &ev.Summary,
			&ev.Description, &ev.Location, &synced, &ev.SourceName, &masking); err != nil {
			return nil, fmt.Errorf("failed to scan feed event: %w", err)
		}
		ev.Start, ev.End, ev.SyncedAt = fromUnix(start), fromUnix(end), fromUnix(synced)
		ev.AllDay = allDay != 0
		ev.Masking = masking != 0
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating feed events: %w", err)
	}
	return events, nil
}
