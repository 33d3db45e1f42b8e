package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/vitalog/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var lastLogin sql.NullTime
	err := scanner.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.Name, &u.Active, &u.IsAdmin, &lastLogin, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	return &u, nil
}

const userCols = `id, email, password_hash, name, active, is_admin, last_login, created_at, updated_at`

// Create inserts a new active, non-admin user. A second user with the same
// email fails with ErrDuplicateEmail.
func (s *UserStore) Create(ctx context.Context, email, passwordHash, name string) (*model.User, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO users (email, password_hash, name) VALUES (?, ?, ?)`,
		email, passwordHash, name,
	)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateEmail
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	return s.update(ctx, "update last login", `UPDATE users SET last_login = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, dbTime(at), id)
}

func (s *UserStore) SetActive(ctx context.Context, id int64, active bool) error {
	return s.update(ctx, "set active", `UPDATE users SET active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, active, id)
}

func (s *UserStore) SetAdmin(ctx context.Context, id int64, admin bool) error {
	return s.update(ctx, "set admin", `UPDATE users SET is_admin = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, admin, id)
}

func (s *UserStore) UpdatePasswordHash(ctx context.Context, id int64, hash string) error {
	return s.update(ctx, "update password", `UPDATE users SET password_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, hash, id)
}

func (s *UserStore) update(ctx context.Context, op, query string, args ...any) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s: user %w", op, ErrNotFound)
	}
	return nil
}
