// Package models defines the session and destination types shared across the
// relay service.
package models

import (
	"fmt"
	"strings"
	"time"
)

// DestinationKind identifies a chat platform.
type DestinationKind string

const (
	DestinationTelegram DestinationKind = "telegram"
	DestinationSlack    DestinationKind = "slack"
)

// Destination identifies one chat target on one platform. Target is the
// platform-specific address: a Telegram chat id or a Slack channel.
type Destination struct {
	Kind   DestinationKind `json:"type" yaml:"type"`
	Target string          `json:"target" yaml:"target"`
}

// Key returns the registry identity of the destination. Destinations are
// unique per (session, kind, target).
func (d Destination) Key() string {
	return string(d.Kind) + ":" + d.Target
}

// DestinationFromKey parses a destination key produced by Key.
func DestinationFromKey(key string) (Destination, error) {
	kind, target, ok := strings.Cut(key, ":")
	if !ok || target == "" {
		return Destination{}, fmt.Errorf("malformed destination key %q", key)
	}
	switch DestinationKind(kind) {
	case DestinationTelegram, DestinationSlack:
		return Destination{Kind: DestinationKind(kind), Target: target}, nil
	default:
		return Destination{}, fmt.Errorf("unknown destination kind in key %q", key)
	}
}

// Session is one watched transcript file together with its attached
// destinations.
type Session struct {
	ID           string        `json:"session_id"`
	Path         string        `json:"path"`
	Destinations []Destination `json:"destinations"`
	// Tombstoned marks a session whose file has disappeared. Destinations
	// stay attached and delivery resumes if the file reappears.
	Tombstoned bool      `json:"tombstoned,omitempty"`
	AttachedAt time.Time `json:"attached_at"`
}
