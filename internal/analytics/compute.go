package analytics

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/liveaudio/backend/internal/models"
	"github.com/liveaudio/backend/internal/registry"
)

const (
	// liveViewSnapshots caps how much snapshot history the live view reads.
	liveViewSnapshots = 120
	// bounceThreshold is the stay duration at or under which a visit counts
	// as a bounce.
	bounceThreshold = 30 * time.Second
	// durationReasonPrefix encodes a listener's stay on LEAVE facts.
	durationReasonPrefix = "durationMs="
)

// ErrBadGranularity is returned for compare granularities outside 10s/1m/15m.
var ErrBadGranularity = errors.New("granularity must be one of 10s, 1m, 15m")

// DurationReason encodes a listener stay for a LEAVE fact's reason field.
func DurationReason(d time.Duration) string {
	return durationReasonPrefix + strconv.FormatInt(d.Milliseconds(), 10)
}

// parseDurationReason extracts the stay length from a LEAVE fact's reason.
func parseDurationReason(reason string) (time.Duration, bool) {
	if !strings.HasPrefix(reason, durationReasonPrefix) {
		return 0, false
	}
	ms, err := strconv.ParseInt(reason[len(durationReasonPrefix):], 10, 64)
	if err != nil || ms < 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// ParseGranularity maps the API granularity names to bucket widths.
func ParseGranularity(s string) (time.Duration, error) {
	switch s {
	case "", "1m":
		return time.Minute, nil
	case "10s":
		return 10 * time.Second, nil
	case "15m":
		return 15 * time.Minute, nil
	}
	return 0, ErrBadGranularity
}

// LiveView is the realtime picture of one session.
type LiveView struct {
	Total        int                 `json:"total"`
	Channels     map[string]int      `json:"channels"`
	Peak         int                 `json:"peak"`
	MeanRecent   float64             `json:"meanRecent"`
	JoinsPerMin  float64             `json:"joinsPerMin"`
	LeavesPerMin float64             `json:"leavesPerMin"`
	Snapshots    []registry.Snapshot `json:"snapshots"`
}

// BuildLiveView derives the live analytics from current counts, the snapshot
// history and event counts over the trailing window (whose length is given
// so rates normalize correctly).
func BuildLiveView(counts map[string]int, snaps []registry.Snapshot, joins, leaves int, window time.Duration) LiveView {
	view := LiveView{Channels: counts, Snapshots: snaps}
	if len(snaps) > liveViewSnapshots {
		view.Snapshots = snaps[len(snaps)-liveViewSnapshots:]
	}
	for _, n := range counts {
		view.Total += n
	}

	// Peak spans the whole retained history; the recent mean only counts
	// snapshots inside the trailing window.
	cutoff := time.Now().UTC().Add(-window)
	sum, recent := 0, 0
	for _, s := range snaps {
		if s.Total > view.Peak {
			view.Peak = s.Total
		}
		if !s.TS.Before(cutoff) {
			sum += s.Total
			recent++
		}
	}
	if view.Total > view.Peak {
		view.Peak = view.Total
	}
	if recent > 0 {
		view.MeanRecent = float64(sum) / float64(recent)
	}
	if mins := window.Minutes(); mins > 0 {
		view.JoinsPerMin = float64(joins) / mins
		view.LeavesPerMin = float64(leaves) / mins
	}
	return view
}

// ChannelStats aggregates per-channel activity for the post-session view.
type ChannelStats struct {
	ChannelID     uuid.UUID     `json:"channelId"`
	Joins         int           `json:"joins"`
	Consumes      int           `json:"consumes"`
	TotalDuration time.Duration `json:"totalDurationMs"`
}

// PostSessionView summarizes a finished (or running) session from its
// access-log facts.
type PostSessionView struct {
	Joins           int            `json:"joins"`
	Leaves          int            `json:"leaves"`
	Consumes        int            `json:"consumes"`
	UniqueListeners int            `json:"uniqueListeners"`
	MeanDuration    time.Duration  `json:"meanDurationMs"`
	MedianDuration  time.Duration  `json:"medianDurationMs"`
	P95Duration     time.Duration  `json:"p95DurationMs"`
	BounceRate      float64        `json:"bounceRate"`
	JoinsByHour     [24]int        `json:"joinsByHour"`
	Channels        []ChannelStats `json:"channels"`
}

// BuildPostSession computes the retrospective view over a session's facts.
// Durations come from LEAVE reasons; unique listeners are distinct
// (ip, user agent) pairs across JOIN and CONSUME facts, a fingerprint that
// merges distinct listeners behind shared NATs with identical agents.
func BuildPostSession(logs []models.AccessLog) PostSessionView {
	var view PostSessionView
	var durations []time.Duration
	fingerprints := make(map[string]struct{})
	byChannel := make(map[uuid.UUID]*ChannelStats)

	channel := func(id *uuid.UUID) *ChannelStats {
		if id == nil {
			return nil
		}
		cs := byChannel[*id]
		if cs == nil {
			cs = &ChannelStats{ChannelID: *id}
			byChannel[*id] = cs
		}
		return cs
	}

	for _, l := range logs {
		switch l.EventType {
		case models.EventListenerJoin:
			view.Joins++
			view.JoinsByHour[l.CreatedAt.UTC().Hour()]++
			fingerprints[l.IP+"|"+l.UserAgent] = struct{}{}
			if cs := channel(l.ChannelID); cs != nil {
				cs.Joins++
			}
		case models.EventListenerLeave:
			view.Leaves++
			if d, ok := parseDurationReason(l.Reason); ok {
				durations = append(durations, d)
				if cs := channel(l.ChannelID); cs != nil {
					cs.TotalDuration += d
				}
			}
		case models.EventListenerConsume:
			view.Consumes++
			fingerprints[l.IP+"|"+l.UserAgent] = struct{}{}
			if cs := channel(l.ChannelID); cs != nil {
				cs.Consumes++
			}
		}
	}

	view.UniqueListeners = len(fingerprints)
	if len(durations) > 0 {
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		var sum time.Duration
		bounces := 0
		for _, d := range durations {
			sum += d
			if d <= bounceThreshold {
				bounces++
			}
		}
		view.MeanDuration = sum / time.Duration(len(durations))
		view.MedianDuration = durations[len(durations)/2]
		view.P95Duration = durations[p95Index(len(durations))]
		if view.Joins > 0 {
			view.BounceRate = float64(bounces) / float64(view.Joins)
		}
	}

	view.Channels = make([]ChannelStats, 0, len(byChannel))
	for _, cs := range byChannel {
		view.Channels = append(view.Channels, *cs)
	}
	sort.Slice(view.Channels, func(i, j int) bool {
		return view.Channels[i].ChannelID.String() < view.Channels[j].ChannelID.String()
	})
	return view
}

// p95Index is the nearest-rank 95th percentile index for a sorted slice of
// length n (n > 0).
func p95Index(n int) int {
	idx := int(math.Ceil(float64(n)*0.95)) - 1
	if idx < 0 {
		idx = 0
	}
	return idx
}

// Bucket is one aggregated time slot of a session's metric series.
type Bucket struct {
	TS    time.Time `json:"ts"`
	Value float64   `json:"value"`
}

// SessionSeries is one session's bucketed series plus its summary.
type SessionSeries struct {
	SessionID uuid.UUID        `json:"sessionId"`
	Buckets   []Bucket         `json:"buckets"`
	Peak      float64          `json:"peak"`
	PeakTS    time.Time        `json:"peakTs"`
	Mean      float64          `json:"mean"`
	Total     float64          `json:"total"`
	Summary   *PostSessionView `json:"summary,omitempty"`
}

// BucketSeries aggregates raw points into fixed buckets per session.
// Timestamps floor to the bucket start. Counter metrics (names prefixed
// "events_") sum within a bucket; gauges average. Sessions rank by peak
// bucket value, highest first.
func BucketSeries(points []models.AnalyticsPoint, metric string, granularity time.Duration) []SessionSeries {
	isCounter := strings.HasPrefix(metric, "events_")

	type agg struct {
		sum   float64
		count int
	}
	perSession := make(map[uuid.UUID]map[time.Time]*agg)
	for _, p := range points {
		buckets := perSession[p.SessionID]
		if buckets == nil {
			buckets = make(map[time.Time]*agg)
			perSession[p.SessionID] = buckets
		}
		ts := p.TS.UTC().Truncate(granularity)
		a := buckets[ts]
		if a == nil {
			a = &agg{}
			buckets[ts] = a
		}
		a.sum += p.Value
		a.count++
	}

	out := make([]SessionSeries, 0, len(perSession))
	for sessionID, buckets := range perSession {
		series := SessionSeries{SessionID: sessionID}
		keys := make([]time.Time, 0, len(buckets))
		for ts := range buckets {
			keys = append(keys, ts)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

		var sum float64
		for _, ts := range keys {
			a := buckets[ts]
			value := a.sum
			if !isCounter {
				value = a.sum / float64(a.count)
			}
			series.Buckets = append(series.Buckets, Bucket{TS: ts, Value: value})
			sum += value
			if value > series.Peak || series.PeakTS.IsZero() {
				series.Peak = value
				series.PeakTS = ts
			}
		}
		series.Total = sum
		if len(series.Buckets) > 0 {
			series.Mean = sum / float64(len(series.Buckets))
		}
		out = append(out, series)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Peak != out[j].Peak {
			return out[i].Peak > out[j].Peak
		}
		return out[i].SessionID.String() < out[j].SessionID.String()
	})
	return out
}

// BroadcastRun is one reconstructed on-air stretch.
type BroadcastRun struct {
	StartedAt time.Time  `json:"startedAt"`
	StoppedAt *time.Time `json:"stoppedAt,omitempty"`
}

// ReconstructRuns pairs broadcast start/stop points into runs. The pairing
// self-repairs: consecutive starts close the previous run at the new start,
// and stray stops without a start are dropped. An open final run has no stop.
func ReconstructRuns(events []models.AnalyticsPoint) []BroadcastRun {
	var runs []BroadcastRun
	var open *BroadcastRun
	for _, e := range events {
		switch e.Metric {
		case models.MetricBroadcastStart:
			if open != nil {
				ts := e.TS
				open.StoppedAt = &ts
				runs = append(runs, *open)
			}
			open = &BroadcastRun{StartedAt: e.TS}
		case models.MetricBroadcastStop:
			if open != nil {
				ts := e.TS
				open.StoppedAt = &ts
				runs = append(runs, *open)
				open = nil
			}
		}
	}
	if open != nil {
		runs = append(runs, *open)
	}
	return runs
}

// ExportCSV renders access-log facts as CSV rows for the export endpoint.
func ExportCSV(logs []models.AccessLog) string {
	var b strings.Builder
	b.WriteString("created_at,event_type,channel_id,success,reason,ip,user_agent\n")
	for _, l := range logs {
		channelID := ""
		if l.ChannelID != nil {
			channelID = l.ChannelID.String()
		}
		fmt.Fprintf(&b, "%s,%s,%s,%t,%s,%s,%s\n",
			l.CreatedAt.UTC().Format(time.RFC3339),
			l.EventType, channelID, l.Success,
			csvEscape(l.Reason), csvEscape(l.IP), csvEscape(l.UserAgent))
	}
	return b.String()
}

func csvEscape(s string) string {
	if strings.ContainsAny(s, ",\"\n") {
		return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
	}
	return s
}
