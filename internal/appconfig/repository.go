// Package appconfig provides a small string key/value store backed by the
// app_config table. It holds operational state that survives restarts:
// session-version counters, stats-since markers, preshow schedules and the
// debug-mode flag.
package appconfig

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Get returns the value for key, or ("", false, nil) when the key is absent.
func (r *Repository) Get(ctx context.Context, key string) (string, bool, error) {
	const q = `SELECT value FROM app_config WHERE key = $1`
	var value string
	err := r.db.QueryRow(ctx, q, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Upsert writes value under key, replacing any existing value.
func (r *Repository) Upsert(ctx context.Context, key, value string) error {
	const q = `
		INSERT INTO app_config (key, value, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = $3`
	_, err := r.db.Exec(ctx, q, key, value, time.Now().UTC())
	return err
}

// Delete removes key. Deleting a missing key is not an error.
func (r *Repository) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM app_config WHERE key = $1`
	_, err := r.db.Exec(ctx, q, key)
	return err
}

// ListPrefix returns all key/value pairs whose key starts with prefix.
func (r *Repository) ListPrefix(ctx context.Context, prefix string) (map[string]string, error) {
	const q = `SELECT key, value FROM app_config WHERE key LIKE $1 || '%'`
	rows, err := r.db.Query(ctx, q, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}
