package auth

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/pkg/utils"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const userColumns = `id, name, role, password_hash, must_change_password, created_at, updated_at`

func scanUser(row pgx.Row) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Name, &u.Role, &u.PasswordHash, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &u, nil
}

// GetByID returns the user, or nil when not found.
func (r *Repository) GetByID(ctx context.Context, id string) (*models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, q, id))
}

// GetByName looks up a user by case-insensitive trimmed name.
func (r *Repository) GetByName(ctx context.Context, name string) (*models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users WHERE LOWER(name) = $1`
	return scanUser(r.db.QueryRow(ctx, q, utils.NormalizeName(name)))
}

// Create inserts a new user. Name uniqueness is case-insensitive and
// enforced by the database.
func (r *Repository) Create(ctx context.Context, name, role, passwordHash string, mustChange bool) (*models.User, error) {
	const q = `
		INSERT INTO users (id, name, role, password_hash, must_change_password, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6)
		RETURNING ` + userColumns
	now := time.Now().UTC()
	return scanUser(r.db.QueryRow(ctx, q, uuid.New(), name, role, passwordHash, mustChange, now))
}

// UpdatePassword replaces the password hash and clears the must-change flag.
func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	const q = `
		UPDATE users
		SET password_hash = $2, must_change_password = FALSE, updated_at = $3
		WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, passwordHash, time.Now().UTC())
	return err
}

// MustChangePassword reports whether the user has a pending forced password
// change. A deleted user counts as pending so stale sessions stay locked out.
func (r *Repository) MustChangePassword(ctx context.Context, id string) (bool, error) {
	user, err := r.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if user == nil {
		return true, nil
	}
	return user.MustChangePassword, nil
}

// SetMustChangePassword flags or unflags a forced password change.
func (r *Repository) SetMustChangePassword(ctx context.Context, id string, must bool) error {
	const q = `UPDATE users SET must_change_password = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, must, time.Now().UTC())
	return err
}

// List returns all users ordered by name.
func (r *Repository) List(ctx context.Context) ([]models.User, error) {
	const q = `SELECT ` + userColumns + ` FROM users ORDER BY LOWER(name)`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var u models.User
		if err := rows.Scan(&u.ID, &u.Name, &u.Role, &u.PasswordHash, &u.MustChangePassword, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes the user and their per-session access grants.
func (r *Repository) Delete(ctx context.Context, id string) error {
	const q = `DELETE FROM users WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id)
	return err
}
