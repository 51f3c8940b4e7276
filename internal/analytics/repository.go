package analytics

import (
	"context"
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

// ---- access log ----

// AppendAccessLog inserts one listener fact.
func (r *Repository) AppendAccessLog(ctx context.Context, log *models.AccessLog) error {
	const q = `
		INSERT INTO access_logs (id, session_id, channel_id, event_type, success, reason, ip, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	if log.ID == uuid.Nil {
		log.ID = uuid.New()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := r.db.Exec(ctx, q,
		log.ID, log.SessionID, log.ChannelID, log.EventType, log.Success, log.Reason, log.IP, log.UserAgent, log.CreatedAt)
	return err
}

// ListAccessLogsSince returns a session's facts at or after since, oldest first.
func (r *Repository) ListAccessLogsSince(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]models.AccessLog, error) {
	const q = `
		SELECT id, session_id, channel_id, event_type, success, reason, ip, user_agent, created_at
		FROM access_logs
		WHERE session_id = $1 AND created_at >= $2
		ORDER BY created_at ASC`
	rows, err := r.db.Query(ctx, q, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []models.AccessLog
	for rows.Next() {
		var l models.AccessLog
		if err := rows.Scan(&l.ID, &l.SessionID, &l.ChannelID, &l.EventType, &l.Success, &l.Reason, &l.IP, &l.UserAgent, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// CountRecentEvents counts a session's facts of one type within the window.
func (r *Repository) CountRecentEvents(ctx context.Context, sessionID uuid.UUID, eventType models.AccessEventType, window time.Duration) (int, error) {
	const q = `
		SELECT COUNT(*) FROM access_logs
		WHERE session_id = $1 AND event_type = $2 AND created_at >= $3`
	var n int
	err := r.db.QueryRow(ctx, q, sessionID, eventType, time.Now().UTC().Add(-window)).Scan(&n)
	return n, err
}

// DeleteAccessLogs removes all facts for a session ("stats since" reset,
// manual clear, session deletion).
func (r *Repository) DeleteAccessLogs(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM access_logs WHERE session_id = $1`
	_, err := r.db.Exec(ctx, q, sessionID)
	return err
}

// DeleteAccessLogsOlderThan trims facts past the retention horizon.
func (r *Repository) DeleteAccessLogsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM access_logs WHERE created_at < $1`
	tag, err := r.db.Exec(ctx, q, cutoff)
	return tag.RowsAffected(), err
}

// ---- analytics points ----

// InsertPoints writes a batch of points in one round trip.
func (r *Repository) InsertPoints(ctx context.Context, points []models.AnalyticsPoint) error {
	if len(points) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	const q = `
		INSERT INTO analytics_points (id, session_id, channel_id, metric, value, ts)
		VALUES ($1, $2, $3, $4, $5, $6)`
	for i := range points {
		p := &points[i]
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.TS.IsZero() {
			p.TS = time.Now().UTC()
		}
		batch.Queue(q, p.ID, p.SessionID, p.ChannelID, p.Metric, p.Value, p.TS)
	}
	return r.db.SendBatch(ctx, batch).Close()
}

// ListPoints returns points for the given sessions and metric inside
// [from, to), oldest first.
func (r *Repository) ListPoints(ctx context.Context, sessionIDs []uuid.UUID, metric string, from, to time.Time) ([]models.AnalyticsPoint, error) {
	const q = `
		SELECT id, session_id, channel_id, metric, value, ts
		FROM analytics_points
		WHERE session_id = ANY($1) AND metric = $2 AND ts >= $3 AND ts < $4
		ORDER BY ts ASC`
	rows, err := r.db.Query(ctx, q, sessionIDs, metric, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPoints(rows)
}

// ListRunEvents returns a session's broadcast start/stop points, oldest
// first, for run reconstruction.
func (r *Repository) ListRunEvents(ctx context.Context, sessionID uuid.UUID) ([]models.AnalyticsPoint, error) {
	const q = `
		SELECT id, session_id, channel_id, metric, value, ts
		FROM analytics_points
		WHERE session_id = $1 AND metric IN ($2, $3)
		ORDER BY ts ASC`
	rows, err := r.db.Query(ctx, q, sessionID, models.MetricBroadcastStart, models.MetricBroadcastStop)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPoints(rows)
}

// DeletePoints removes all points for a session.
func (r *Repository) DeletePoints(ctx context.Context, sessionID uuid.UUID) error {
	const q = `DELETE FROM analytics_points WHERE session_id = $1`
	_, err := r.db.Exec(ctx, q, sessionID)
	return err
}

// DeletePointsOlderThan trims points past the retention horizon.
func (r *Repository) DeletePointsOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	const q = `DELETE FROM analytics_points WHERE ts < $1`
	tag, err := r.db.Exec(ctx, q, cutoff)
	return tag.RowsAffected(), err
}

func scanPoints(rows pgx.Rows) ([]models.AnalyticsPoint, error) {
	var points []models.AnalyticsPoint
	for rows.Next() {
		var p models.AnalyticsPoint
		if err := rows.Scan(&p.ID, &p.SessionID, &p.ChannelID, &p.Metric, &p.Value, &p.TS); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}
