package models

import (
	"time"

	"github.com/google/uuid"
)

// AccessEventType is the kind of listener fact recorded in the access log.
type AccessEventType string

const (
	EventListenerJoin    AccessEventType = "LISTENER_JOIN"
	EventListenerLeave   AccessEventType = "LISTENER_LEAVE"
	EventListenerConsume AccessEventType = "LISTENER_CONSUME"
)

// AccessLog is an append-only listener fact. Reason may encode
// "durationMs=<n>" on LEAVE events; rows are never mutated, only inserted
// and bulk-deleted (session deletion, retention, manual clear).
type AccessLog struct {
	ID        uuid.UUID       `json:"id"`
	SessionID uuid.UUID       `json:"session_id"`
	ChannelID *uuid.UUID      `json:"channel_id,omitempty"`
	EventType AccessEventType `json:"event_type"`
	Success   bool            `json:"success"`
	Reason    string          `json:"reason,omitempty"`
	IP        string          `json:"ip,omitempty"`
	UserAgent string          `json:"user_agent,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// Metric names written by the sampler and the realtime gateway. Names with
// the "events_" prefix are counters (bucket aggregation sums them); the rest
// are gauges (bucket aggregation averages them).
const (
	MetricListenersTotal        = "listeners_total"
	MetricListenersChannel      = "listeners_channel"
	MetricBroadcastersConnected = "broadcasters_connected"
	MetricBroadcastStart        = "events_broadcast_start"
	MetricBroadcastStop         = "events_broadcast_stop"
	MetricListenerJoin          = "events_listener_join"
	MetricListenerLeave         = "events_listener_leave"
	MetricListenerConsume       = "events_listener_consume"
)

// AnalyticsPoint is a coarse periodic sample used for time-bucketed
// cross-session comparison.
type AnalyticsPoint struct {
	ID        uuid.UUID  `json:"id"`
	SessionID uuid.UUID  `json:"session_id"`
	ChannelID *uuid.UUID `json:"channel_id,omitempty"`
	Metric    string     `json:"metric"`
	Value     float64    `json:"value"`
	TS        time.Time  `json:"ts"`
}

// AppConfig is a generic durable key/value setting. It backs per-identity
// session-version counters, password/login overrides, the debug flag,
// per-session stats checkpoints, and auto-switch schedules.
type AppConfig struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
