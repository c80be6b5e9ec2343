package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"calagg/internal/models"

	"github.com/google/uuid"
)

const userColumns = `id, username, is_admin, feed_token, api_token, created_at`

// CreateUser adds a user with fresh feed and API tokens.
func (s *Store) CreateUser(ctx context.Context, username string, isAdmin bool) (*models.User, error) {
	u := &models.User{
		Username:  username,
		IsAdmin:   isAdmin,
		FeedToken: uuid.NewString(),
		APIToken:  uuid.NewString(),
		CreatedAt: s.now().UTC(),
	}

	query := `INSERT INTO users (username, is_admin, feed_token, api_token, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := s.db.ExecContext(ctx, query, u.Username, boolInt(u.IsAdmin), u.FeedToken, u.APIToken, unix(u.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("failed to read user id: %w", err)
	}
	return u, nil
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return s.getUser(ctx, "id = ?", id)
}

// GetUserByUsername returns the user with the given name.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return s.getUser(ctx, "username = ?", username)
}

// GetUserByFeedToken resolves a per-user feed token.
func (s *Store) GetUserByFeedToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, "feed_token = ?", token)
}

// GetUserByAPIToken resolves a bearer API token.
func (s *Store) GetUserByAPIToken(ctx context.Context, token string) (*models.User, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	return s.getUser(ctx, "api_token = ?", token)
}

// ListUsers returns every user ordered by id.
func (s *Store) ListUsers(ctx context.Context) ([]*models.User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}
	return users, nil
}

// RegenerateFeedToken replaces a user's feed token, invalidating old feed URLs.
func (s *Store) RegenerateFeedToken(ctx context.Context, id int64) (string, error) {
	token := uuid.NewString()
	res, err := s.db.ExecContext(ctx, `UPDATE users SET feed_token = ? WHERE id = ?`, token, id)
	if err != nil {
		return "", fmt.Errorf("failed to update feed token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return u, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanUser(row scanner) (*models.User, error) {
	var (
		u       models.User
		isAdmin int
		created int64
	)
	if err := row.Scan(&u.ID, &u.Username, &isAdmin, &u.FeedToken, &u.APIToken, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	u.IsAdmin = isAdmin != 0
	u.CreatedAt = fromUnix(created)
	return &u, nil
}
