package v1

import "time"

// Destination is the wire form of a chat destination. Type selects the
// payload field: "telegram" carries chat_id, "slack" carries channel.
type Destination struct {
	Type    string `json:"type" yaml:"type" binding:"required"`
	ChatID  string `json:"chat_id,omitempty" yaml:"chat_id,omitempty"`
	Channel string `json:"channel,omitempty" yaml:"channel,omitempty"`
}

// AttachRequest subscribes a destination to a transcript session
type AttachRequest struct {
	SessionID   string      `json:"session_id" binding:"required"`
	Path        string      `json:"path" binding:"required"`
	Destination Destination `json:"destination" binding:"required"`
}

// DetachRequest removes a destination from a session
type DetachRequest struct {
	SessionID   string      `json:"session_id" binding:"required"`
	Destination Destination `json:"destination" binding:"required"`
}

// AckResponse acknowledges an idempotent mutation
type AckResponse struct {
	OK bool `json:"ok"`
}

// Session is one watched transcript and its attached destinations
type Session struct {
	SessionID    string        `json:"session_id"`
	Path         string        `json:"path"`
	Destinations []Destination `json:"destinations"`
	Tombstoned   bool          `json:"tombstoned,omitempty"`
	AttachedAt   time.Time     `json:"attached_at"`
}

// HealthResponse reports service liveness
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Sessions int    `json:"sessions"`
}
