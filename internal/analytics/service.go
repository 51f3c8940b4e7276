package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

const statsSincePrefix = "session-stats-since:"

// rateWindow is the trailing window for live join/leave rates.
const rateWindow = 10 * time.Minute

// ConfigStore is the key/value persistence for stats-since checkpoints.
type ConfigStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Upsert(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// Store is the persistence slice the service reads and purges.
type Store interface {
	ListAccessLogsSince(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]models.AccessLog, error)
	CountRecentEvents(ctx context.Context, sessionID uuid.UUID, eventType models.AccessEventType, window time.Duration) (int, error)
	DeleteAccessLogs(ctx context.Context, sessionID uuid.UUID) error
	DeletePoints(ctx context.Context, sessionID uuid.UUID) error
	ListPoints(ctx context.Context, sessionIDs []uuid.UUID, metric string, from, to time.Time) ([]models.AnalyticsPoint, error)
	ListRunEvents(ctx context.Context, sessionID uuid.UUID) ([]models.AnalyticsPoint, error)
}

// Service ties the pure computations to storage and the registry.
type Service struct {
	repo     Store
	registry *registry.Registry
	recorder *Recorder
	config   ConfigStore
	logger   *zap.Logger
}

func NewService(repo Store, reg *registry.Registry, rec *Recorder, cfg ConfigStore, logger *zap.Logger) *Service {
	return &Service{repo: repo, registry: reg, recorder: rec, config: cfg, logger: logger}
}

func statsSinceKey(sessionID uuid.UUID) string {
	return statsSincePrefix + sessionID.String()
}

// StatsSince returns the start of the session's current measurement window.
// Without a checkpoint all recorded facts count.
func (s *Service) StatsSince(ctx context.Context, sessionID uuid.UUID) (time.Time, error) {
	raw, ok, err := s.config.Get(ctx, statsSinceKey(sessionID))
	if err != nil {
		return time.Time{}, err
	}
	if !ok {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, nil
	}
	return ts, nil
}

// StartFreshWindow begins a new measurement window: checkpoint now, purge
// the session's facts and clear its snapshot history. Called when the first
// broadcaster connection arrives.
func (s *Service) StartFreshWindow(ctx context.Context, sessionID uuid.UUID) error {
	now := time.Now().UTC()
	if err := s.config.Upsert(ctx, statsSinceKey(sessionID), now.Format(time.RFC3339Nano)); err != nil {
		return err
	}
	if err := s.repo.DeleteAccessLogs(ctx, sessionID); err != nil {
		return err
	}
	s.registry.ResetHistory(sessionID.String())
	s.recorder.RecordPoint(models.AnalyticsPoint{
		SessionID: sessionID,
		Metric:    models.MetricBroadcastStart,
		Value:     1,
		TS:        now,
	})
	return nil
}

// RecordBroadcastStop marks the end of an on-air run.
func (s *Service) RecordBroadcastStop(sessionID uuid.UUID) {
	s.recorder.RecordPoint(models.AnalyticsPoint{
		SessionID: sessionID,
		Metric:    models.MetricBroadcastStop,
		Value:     1,
		TS:        time.Now().UTC(),
	})
}

// SessionAnalytics is the combined live + retrospective view.
type SessionAnalytics struct {
	SessionID     uuid.UUID       `json:"sessionId"`
	Since         *time.Time      `json:"since,omitempty"`
	Live          LiveView        `json:"live"`
	Summary       PostSessionView `json:"summary"`
	DroppedWrites int64           `json:"droppedWrites"`
}

// BuildSessionAnalytics assembles the full analytics view for one session.
func (s *Service) BuildSessionAnalytics(ctx context.Context, sessionID uuid.UUID) (*SessionAnalytics, error) {
	since, err := s.StatsSince(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	logs, err := s.repo.ListAccessLogsSince(ctx, sessionID, since)
	if err != nil {
		return nil, err
	}
	joins, err := s.repo.CountRecentEvents(ctx, sessionID, models.EventListenerJoin, rateWindow)
	if err != nil {
		return nil, err
	}
	leaves, err := s.repo.CountRecentEvents(ctx, sessionID, models.EventListenerLeave, rateWindow)
	if err != nil {
		return nil, err
	}

	idStr := sessionID.String()
	out := &SessionAnalytics{
		SessionID:     sessionID,
		Live:          BuildLiveView(s.registry.ChannelCounts(idStr), s.registry.Snapshots(idStr), joins, leaves, rateWindow),
		Summary:       BuildPostSession(logs),
		DroppedWrites: s.recorder.Dropped(),
	}
	if !since.IsZero() {
		out.Since = &since
	}
	return out, nil
}

// ExportLogs returns the raw facts of the current measurement window.
func (s *Service) ExportLogs(ctx context.Context, sessionID uuid.UUID) ([]models.AccessLog, error) {
	since, err := s.StatsSince(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s.repo.ListAccessLogsSince(ctx, sessionID, since)
}

// Clear wipes everything recorded for a session and resets its window.
func (s *Service) Clear(ctx context.Context, sessionID uuid.UUID) error {
	if err := s.repo.DeleteAccessLogs(ctx, sessionID); err != nil {
		return err
	}
	if err := s.repo.DeletePoints(ctx, sessionID); err != nil {
		return err
	}
	if err := s.config.Delete(ctx, statsSinceKey(sessionID)); err != nil {
		return err
	}
	s.registry.ResetHistory(sessionID.String())
	return nil
}

// Compare builds ranked bucketed series for up to maxSessions sessions, each
// carrying the same fact summary the single-session view shows.
func (s *Service) Compare(ctx context.Context, sessionIDs []uuid.UUID, metric string, from, to time.Time, granularity time.Duration) ([]SessionSeries, error) {
	points, err := s.repo.ListPoints(ctx, sessionIDs, metric, from, to)
	if err != nil {
		return nil, err
	}
	series := BucketSeries(points, metric, granularity)
	for i := range series {
		since, err := s.StatsSince(ctx, series[i].SessionID)
		if err != nil {
			return nil, err
		}
		logs, err := s.repo.ListAccessLogsSince(ctx, series[i].SessionID, since)
		if err != nil {
			return nil, err
		}
		summary := BuildPostSession(logs)
		series[i].Summary = &summary
	}
	return series, nil
}

// BroadcastLog returns the session's reconstructed on-air runs.
func (s *Service) BroadcastLog(ctx context.Context, sessionID uuid.UUID) ([]BroadcastRun, error) {
	events, err := s.repo.ListRunEvents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return ReconstructRuns(events), nil
}
