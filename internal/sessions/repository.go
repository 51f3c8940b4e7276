package sessions

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/liveaudio/backend/internal/models"
)

type Repository struct {
	db *pgxpool.Pool
}

func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

const sessionColumns = `id, name, description, image_url, status, broadcast_code, broadcast_code_hash, created_by_user_id, created_at, updated_at`

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	err := row.Scan(&s.ID, &s.Name, &s.Description, &s.ImageURL, &s.Status,
		&s.BroadcastCode, &s.BroadcastCodeHash, &s.CreatedByUserID, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]models.Session, error) {
	defer rows.Close()
	var out []models.Session
	for rows.Next() {
		var s models.Session
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.ImageURL, &s.Status,
			&s.BroadcastCode, &s.BroadcastCodeHash, &s.CreatedByUserID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Get returns a session by id, or nil when not found.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSession(r.db.QueryRow(ctx, q, id))
}

// GetSession adapts Get for callers holding string ids.
func (r *Repository) GetSession(ctx context.Context, id string) (*models.Session, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}
	return r.Get(ctx, parsed)
}

// GetByPlainCode resolves an ACTIVE session by its stored plaintext code.
func (r *Repository) GetByPlainCode(ctx context.Context, code string) (*models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions WHERE broadcast_code = $1 AND status = 'ACTIVE'`
	return scanSession(r.db.QueryRow(ctx, q, code))
}

// ListActiveLegacy returns ACTIVE sessions that only carry a hashed code.
func (r *Repository) ListActiveLegacy(ctx context.Context) ([]models.Session, error) {
	const q = `
		SELECT ` + sessionColumns + ` FROM sessions
		WHERE status = 'ACTIVE' AND broadcast_code IS NULL AND broadcast_code_hash IS NOT NULL`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// List returns every session, newest first.
func (r *Repository) List(ctx context.Context) ([]models.Session, error) {
	const q = `SELECT ` + sessionColumns + ` FROM sessions ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// ListForUser returns sessions the user has an access grant for, newest first.
func (r *Repository) ListForUser(ctx context.Context, userID uuid.UUID) ([]models.Session, error) {
	const q = `
		SELECT ` + sessionColumns + ` FROM sessions s
		JOIN session_user_access a ON a.session_id = s.id
		WHERE a.user_id = $1
		ORDER BY s.created_at DESC`
	rows, err := r.db.Query(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

// Create inserts a session with its generated code.
func (r *Repository) Create(ctx context.Context, name, description, code string, codeHash string, createdBy *uuid.UUID) (*models.Session, error) {
	const q = `
		INSERT INTO sessions (id, name, description, image_url, status, broadcast_code, broadcast_code_hash, created_by_user_id, created_at, updated_at)
		VALUES ($1, $2, $3, '', 'ACTIVE', $4, $5, $6, $7, $7)
		RETURNING ` + sessionColumns
	return scanSession(r.db.QueryRow(ctx, q, uuid.New(), name, description, code, codeHash, createdBy, time.Now().UTC()))
}

// Update saves name, description and image URL.
func (r *Repository) Update(ctx context.Context, id uuid.UUID, name, description, imageURL string) (*models.Session, error) {
	const q = `
		UPDATE sessions SET name = $2, description = $3, image_url = $4, updated_at = $5
		WHERE id = $1
		RETURNING ` + sessionColumns
	return scanSession(r.db.QueryRow(ctx, q, id, name, description, imageURL, time.Now().UTC()))
}

// SetStatus moves a session through its lifecycle.
func (r *Repository) SetStatus(ctx context.Context, id uuid.UUID, status models.SessionStatus) error {
	const q = `UPDATE sessions SET status = $2, updated_at = $3 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, status, time.Now().UTC())
	return err
}

// SetCode replaces the session's code, clearing any legacy hash. Rotation
// upgrades legacy sessions to plaintext storage.
func (r *Repository) SetCode(ctx context.Context, id uuid.UUID, code string) error {
	const q = `UPDATE sessions SET broadcast_code = $2, broadcast_code_hash = NULL, updated_at = $3 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, code, time.Now().UTC())
	return err
}

// Delete removes a session; channels and grants cascade.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM sessions WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id)
	return err
}

// ---- channels ----

const channelColumns = `id, session_id, name, language_code, is_active, created_at`

// ListChannels returns a session's channels in creation order.
func (r *Repository) ListChannels(ctx context.Context, sessionID uuid.UUID) ([]models.Channel, error) {
	const q = `SELECT ` + channelColumns + ` FROM channels WHERE session_id = $1 ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Channel
	for rows.Next() {
		var ch models.Channel
		if err := rows.Scan(&ch.ID, &ch.SessionID, &ch.Name, &ch.LanguageCode, &ch.IsActive, &ch.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// GetChannel returns one channel, or nil when not found.
func (r *Repository) GetChannel(ctx context.Context, id uuid.UUID) (*models.Channel, error) {
	const q = `SELECT ` + channelColumns + ` FROM channels WHERE id = $1`
	var ch models.Channel
	err := r.db.QueryRow(ctx, q, id).Scan(&ch.ID, &ch.SessionID, &ch.Name, &ch.LanguageCode, &ch.IsActive, &ch.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &ch, nil
}

// CreateChannel adds a channel to a session.
func (r *Repository) CreateChannel(ctx context.Context, sessionID uuid.UUID, name, languageCode string) (*models.Channel, error) {
	const q = `
		INSERT INTO channels (id, session_id, name, language_code, is_active, created_at)
		VALUES ($1, $2, $3, $4, TRUE, $5)
		RETURNING ` + channelColumns
	var ch models.Channel
	err := r.db.QueryRow(ctx, q, uuid.New(), sessionID, name, languageCode, time.Now().UTC()).
		Scan(&ch.ID, &ch.SessionID, &ch.Name, &ch.LanguageCode, &ch.IsActive, &ch.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &ch, nil
}

// UpdateChannel saves name, language and active flag.
func (r *Repository) UpdateChannel(ctx context.Context, id uuid.UUID, name, languageCode string, isActive bool) error {
	const q = `UPDATE channels SET name = $2, language_code = $3, is_active = $4 WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id, name, languageCode, isActive)
	return err
}

// DeleteChannel removes a channel.
func (r *Repository) DeleteChannel(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM channels WHERE id = $1`
	_, err := r.db.Exec(ctx, q, id)
	return err
}

// ---- access grants ----

// HasAccess reports whether the user holds a grant for the session.
func (r *Repository) HasAccess(ctx context.Context, sessionID, userID string) (bool, error) {
	sid, err := uuid.Parse(sessionID)
	if err != nil {
		return false, nil
	}
	uid, err := uuid.Parse(userID)
	if err != nil {
		return false, nil
	}
	const q = `SELECT EXISTS (SELECT 1 FROM session_user_access WHERE session_id = $1 AND user_id = $2)`
	var ok bool
	if err := r.db.QueryRow(ctx, q, sid, uid).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// GrantAccess gives a user access to a session; re-granting is a no-op.
func (r *Repository) GrantAccess(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `
		INSERT INTO session_user_access (session_id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`
	_, err := r.db.Exec(ctx, q, sessionID, userID, time.Now().UTC())
	return err
}

// RevokeAccess removes a user's grant.
func (r *Repository) RevokeAccess(ctx context.Context, sessionID, userID uuid.UUID) error {
	const q = `DELETE FROM session_user_access WHERE session_id = $1 AND user_id = $2`
	_, err := r.db.Exec(ctx, q, sessionID, userID)
	return err
}

// ListAccess returns the user ids granted access to a session.
func (r *Repository) ListAccess(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	const q = `SELECT user_id FROM session_user_access WHERE session_id = $1`
	rows, err := r.db.Query(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
