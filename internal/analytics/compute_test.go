package analytics

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

func leaveLog(sessionID uuid.UUID, d time.Duration) models.AccessLog {
	return models.AccessLog{
		SessionID: sessionID,
		EventType: models.EventListenerLeave,
		Success:   true,
		Reason:    DurationReason(d),
		CreatedAt: time.Now(),
	}
}

func joinLog(sessionID uuid.UUID, ip, ua string, at time.Time) models.AccessLog {
	return models.AccessLog{
		SessionID: sessionID,
		EventType: models.EventListenerJoin,
		Success:   true,
		IP:        ip,
		UserAgent: ua,
		CreatedAt: at,
	}
}

func TestDurationReasonRoundTrip(t *testing.T) {
	d, ok := parseDurationReason(DurationReason(90 * time.Second))
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	_, ok = parseDurationReason("left")
	assert.False(t, ok)
	_, ok = parseDurationReason("durationMs=abc")
	assert.False(t, ok)
}

func TestPostSessionDurationPercentiles(t *testing.T) {
	sid := uuid.New()
	logs := []models.AccessLog{
		leaveLog(sid, 30*time.Second),
		leaveLog(sid, 10*time.Second),
		leaveLog(sid, 50*time.Second),
		leaveLog(sid, 20*time.Second),
		leaveLog(sid, 40*time.Second),
	}
	view := BuildPostSession(logs)

	assert.Equal(t, 5, view.Leaves)
	assert.Equal(t, 30*time.Second, view.MeanDuration)
	assert.Equal(t, 30*time.Second, view.MedianDuration) // sorted[5/2]
	assert.Equal(t, 50*time.Second, view.P95Duration)    // nearest rank
}

func TestP95IndexNearestRank(t *testing.T) {
	assert.Equal(t, 0, p95Index(1))
	assert.Equal(t, 1, p95Index(2))
	assert.Equal(t, 4, p95Index(5))
	assert.Equal(t, 18, p95Index(20))
	assert.Equal(t, 94, p95Index(100))
}

func TestPostSessionBounceRate(t *testing.T) {
	sid := uuid.New()
	now := time.Now()
	logs := []models.AccessLog{
		joinLog(sid, "1.1.1.1", "ua", now),
		joinLog(sid, "1.1.1.2", "ua", now),
		joinLog(sid, "1.1.1.3", "ua", now),
		joinLog(sid, "1.1.1.4", "ua", now),
		leaveLog(sid, 10*time.Second),  // bounce
		leaveLog(sid, 30*time.Second),  // bounce (inclusive threshold)
		leaveLog(sid, 31*time.Second),  // not a bounce
		leaveLog(sid, 300*time.Second), // not a bounce
	}
	view := BuildPostSession(logs)

	assert.Equal(t, 4, view.Joins)
	assert.InDelta(t, 0.5, view.BounceRate, 1e-9)
}

func TestPostSessionUniqueListenersByFingerprint(t *testing.T) {
	sid := uuid.New()
	now := time.Now()
	logs := []models.AccessLog{
		joinLog(sid, "1.1.1.1", "firefox", now),
		joinLog(sid, "1.1.1.1", "firefox", now), // same pair
		joinLog(sid, "1.1.1.1", "chrome", now),
		{SessionID: sid, EventType: models.EventListenerConsume, IP: "2.2.2.2", UserAgent: "firefox", CreatedAt: now},
	}
	view := BuildPostSession(logs)
	assert.Equal(t, 3, view.UniqueListeners)
}

func TestPostSessionJoinHeatmap(t *testing.T) {
	sid := uuid.New()
	at := time.Date(2026, 3, 1, 14, 30, 0, 0, time.UTC)
	view := BuildPostSession([]models.AccessLog{
		joinLog(sid, "1.1.1.1", "ua", at),
		joinLog(sid, "1.1.1.2", "ua", at.Add(10*time.Minute)),
		joinLog(sid, "1.1.1.3", "ua", at.Add(2*time.Hour)),
	})
	assert.Equal(t, 2, view.JoinsByHour[14])
	assert.Equal(t, 1, view.JoinsByHour[16])
}

func TestPostSessionChannelComparison(t *testing.T) {
	sid := uuid.New()
	chA, chB := uuid.New(), uuid.New()
	now := time.Now()
	logs := []models.AccessLog{
		{SessionID: sid, ChannelID: &chA, EventType: models.EventListenerJoin, CreatedAt: now},
		{SessionID: sid, ChannelID: &chA, EventType: models.EventListenerConsume, CreatedAt: now},
		{SessionID: sid, ChannelID: &chA, EventType: models.EventListenerLeave, Reason: DurationReason(time.Minute), CreatedAt: now},
		{SessionID: sid, ChannelID: &chB, EventType: models.EventListenerJoin, CreatedAt: now},
	}
	view := BuildPostSession(logs)
	require.Len(t, view.Channels, 2)

	byID := map[uuid.UUID]ChannelStats{}
	for _, cs := range view.Channels {
		byID[cs.ChannelID] = cs
	}
	assert.Equal(t, 1, byID[chA].Joins)
	assert.Equal(t, 1, byID[chA].Consumes)
	assert.Equal(t, time.Minute, byID[chA].TotalDuration)
	assert.Equal(t, 1, byID[chB].Joins)
	assert.Equal(t, 0, byID[chB].Consumes)
}

func TestBuildLiveViewPeakAndRates(t *testing.T) {
	now := time.Now().UTC()
	snaps := []registry.Snapshot{
		{TS: now.Add(-5 * time.Minute), Total: 3},
		{TS: now.Add(-3 * time.Minute), Total: 9},
		{TS: now.Add(-time.Minute), Total: 5},
	}
	view := BuildLiveView(map[string]int{"a": 4, "b": 2}, snaps, 20, 10, 10*time.Minute)

	assert.Equal(t, 6, view.Total)
	assert.Equal(t, 9, view.Peak)
	assert.InDelta(t, 17.0/3.0, view.MeanRecent, 1e-9)
	assert.InDelta(t, 2.0, view.JoinsPerMin, 1e-9)
	assert.InDelta(t, 1.0, view.LeavesPerMin, 1e-9)
}

func TestBuildLiveViewPeakSpansFullHistoryMeanIsRecent(t *testing.T) {
	now := time.Now().UTC()
	// More history than the snapshot payload cap, with the all-time high
	// buried at the front and well past the trailing window.
	snaps := make([]registry.Snapshot, 0, liveViewSnapshots+40)
	snaps = append(snaps, registry.Snapshot{TS: now.Add(-3 * time.Hour), Total: 42})
	for i := 0; i < liveViewSnapshots+35; i++ {
		snaps = append(snaps, registry.Snapshot{TS: now.Add(-time.Hour), Total: 1})
	}
	snaps = append(snaps,
		registry.Snapshot{TS: now.Add(-4 * time.Minute), Total: 6},
		registry.Snapshot{TS: now.Add(-2 * time.Minute), Total: 10},
	)

	view := BuildLiveView(map[string]int{"a": 2}, snaps, 0, 0, 10*time.Minute)

	assert.Equal(t, 42, view.Peak)
	assert.InDelta(t, 8.0, view.MeanRecent, 1e-9)
	assert.Len(t, view.Snapshots, liveViewSnapshots)
}

func TestBuildLiveViewCurrentTotalCanBePeak(t *testing.T) {
	now := time.Now().UTC()
	view := BuildLiveView(map[string]int{"a": 12}, []registry.Snapshot{{TS: now, Total: 5}}, 0, 0, 10*time.Minute)
	assert.Equal(t, 12, view.Peak)
}

func TestParseGranularity(t *testing.T) {
	for name, want := range map[string]time.Duration{
		"10s": 10 * time.Second,
		"1m":  time.Minute,
		"15m": 15 * time.Minute,
		"":    time.Minute,
	} {
		got, err := ParseGranularity(name)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseGranularity("5m")
	assert.ErrorIs(t, err, ErrBadGranularity)
}

func TestBucketSeriesFloorsAndAggregates(t *testing.T) {
	sid := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	points := []models.AnalyticsPoint{
		{SessionID: sid, Metric: models.MetricListenersTotal, Value: 10, TS: base.Add(5 * time.Second)},
		{SessionID: sid, Metric: models.MetricListenersTotal, Value: 20, TS: base.Add(40 * time.Second)},
		{SessionID: sid, Metric: models.MetricListenersTotal, Value: 30, TS: base.Add(70 * time.Second)},
	}

	// Gauge: mean within the bucket.
	series := BucketSeries(points, models.MetricListenersTotal, time.Minute)
	require.Len(t, series, 1)
	require.Len(t, series[0].Buckets, 2)
	assert.Equal(t, base, series[0].Buckets[0].TS)
	assert.InDelta(t, 15.0, series[0].Buckets[0].Value, 1e-9)
	assert.InDelta(t, 30.0, series[0].Buckets[1].Value, 1e-9)

	// Counter: sum within the bucket.
	for i := range points {
		points[i].Metric = models.MetricListenerJoin
	}
	series = BucketSeries(points, models.MetricListenerJoin, time.Minute)
	require.Len(t, series, 1)
	assert.InDelta(t, 30.0, series[0].Buckets[0].Value, 1e-9)
	assert.InDelta(t, 30.0, series[0].Buckets[1].Value, 1e-9)
}

func TestBucketSeriesRanksByPeakDesc(t *testing.T) {
	s1, s2 := uuid.New(), uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	points := []models.AnalyticsPoint{
		{SessionID: s1, Metric: models.MetricListenersTotal, Value: 5, TS: base},
		{SessionID: s2, Metric: models.MetricListenersTotal, Value: 50, TS: base},
	}
	series := BucketSeries(points, models.MetricListenersTotal, time.Minute)
	require.Len(t, series, 2)
	assert.Equal(t, s2, series[0].SessionID)
	assert.InDelta(t, 50.0, series[0].Peak, 1e-9)
	assert.Equal(t, base, series[0].PeakTS)
}

func TestReconstructRunsSelfRepairs(t *testing.T) {
	sid := uuid.New()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := func(metric string, at time.Time) models.AnalyticsPoint {
		return models.AnalyticsPoint{SessionID: sid, Metric: metric, Value: 1, TS: at}
	}
	events := []models.AnalyticsPoint{
		ev(models.MetricBroadcastStop, base.Add(-time.Hour)), // stray stop, dropped
		ev(models.MetricBroadcastStart, base),
		ev(models.MetricBroadcastStart, base.Add(10*time.Minute)), // missing stop repairs here
		ev(models.MetricBroadcastStop, base.Add(30*time.Minute)),
		ev(models.MetricBroadcastStart, base.Add(time.Hour)), // still on air
	}
	runs := ReconstructRuns(events)
	require.Len(t, runs, 3)

	assert.Equal(t, base, runs[0].StartedAt)
	require.NotNil(t, runs[0].StoppedAt)
	assert.Equal(t, base.Add(10*time.Minute), *runs[0].StoppedAt)

	require.NotNil(t, runs[1].StoppedAt)
	assert.Equal(t, base.Add(30*time.Minute), *runs[1].StoppedAt)

	assert.Nil(t, runs[2].StoppedAt)
}

func TestExportCSVEscapes(t *testing.T) {
	sid := uuid.New()
	out := ExportCSV([]models.AccessLog{
		{SessionID: sid, EventType: models.EventListenerJoin, UserAgent: `Mozilla "5.0", like Gecko`, CreatedAt: time.Unix(0, 0)},
	})
	assert.Contains(t, out, `"Mozilla ""5.0"", like Gecko"`)
}
