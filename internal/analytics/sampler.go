package analytics

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

// Sampler periodically turns the registry's in-memory counts into durable
// analytics points, and enforces the retention horizon. A crash loses at
// most one interval of samples.
type Sampler struct {
	registry *registry.Registry
	recorder *Recorder
	repo     *Repository
	logger   *zap.Logger

	interval        time.Duration
	cleanupInterval time.Duration
	retention       time.Duration
}

func NewSampler(reg *registry.Registry, rec *Recorder, repo *Repository, logger *zap.Logger, interval, cleanupInterval, retention time.Duration) *Sampler {
	return &Sampler{
		registry:        reg,
		recorder:        rec,
		repo:            repo,
		logger:          logger,
		interval:        interval,
		cleanupInterval: cleanupInterval,
		retention:       retention,
	}
}

// Run samples every interval and cleans up on the cleanup interval until ctx
// is cancelled.
func (s *Sampler) Run(ctx context.Context) {
	sample := time.NewTicker(s.interval)
	defer sample.Stop()
	cleanup := time.NewTicker(s.cleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sample.C:
			s.sampleOnce()
		case <-cleanup.C:
			s.cleanupOnce(ctx)
		}
	}
}

// sampleOnce records listener and broadcaster gauges for every session with
// realtime activity, and appends a snapshot so the live view's history moves
// even without listener churn.
func (s *Sampler) sampleOnce() {
	now := time.Now().UTC()
	for _, idStr := range s.registry.ActiveSessionIDs() {
		sessionID, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		snap := s.registry.RecordSnapshot(idStr)

		s.recorder.RecordPoint(models.AnalyticsPoint{
			SessionID: sessionID,
			Metric:    models.MetricListenersTotal,
			Value:     float64(snap.Total),
			TS:        now,
		})
		s.recorder.RecordPoint(models.AnalyticsPoint{
			SessionID: sessionID,
			Metric:    models.MetricBroadcastersConnected,
			Value:     float64(s.registry.BroadcasterConnCount(idStr)),
			TS:        now,
		})
		for channel, count := range snap.Channels {
			channelID, err := uuid.Parse(channel)
			if err != nil {
				continue
			}
			cid := channelID
			s.recorder.RecordPoint(models.AnalyticsPoint{
				SessionID: sessionID,
				ChannelID: &cid,
				Metric:    models.MetricListenersChannel,
				Value:     float64(count),
				TS:        now,
			})
		}
	}
}

func (s *Sampler) cleanupOnce(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.retention)
	if n, err := s.repo.DeletePointsOlderThan(ctx, cutoff); err != nil {
		s.logger.Warn("analytics retention cleanup failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("analytics points trimmed", zap.Int64("deleted", n))
	}
	if n, err := s.repo.DeleteAccessLogsOlderThan(ctx, cutoff); err != nil {
		s.logger.Warn("access log retention cleanup failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("access logs trimmed", zap.Int64("deleted", n))
	}
}
