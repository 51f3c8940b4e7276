package models

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a broadcast session.
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// Session represents one broadcast event with its own join code and channels.
// BroadcastCode is the plaintext 6-digit code; BroadcastCodeHash is kept for
// sessions created before plaintext codes were stored (legacy resolution path).
type Session struct {
	ID                uuid.UUID     `json:"id"`
	Name              string        `json:"name"`
	Description       string        `json:"description"`
	ImageURL          string        `json:"image_url"`
	Status            SessionStatus `json:"status"`
	BroadcastCode     *string       `json:"broadcast_code,omitempty"`
	BroadcastCodeHash *string       `json:"-"`
	CreatedByUserID   *uuid.UUID    `json:"created_by_user_id,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Channel is one language/audio track within a session.
type Channel struct {
	ID           uuid.UUID `json:"id"`
	SessionID    uuid.UUID `json:"session_id"`
	Name         string    `json:"name"`
	LanguageCode string    `json:"language_code"`
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionUserAccess grants a broadcaster explicit access to a session.
type SessionUserAccess struct {
	SessionID uuid.UUID `json:"session_id"`
	UserID    uuid.UUID `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}
