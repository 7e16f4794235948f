// Package events provides event types and utilities for the relay event system.
package events

// Event types for session lifecycle
const (
	SessionAttached   = "session.attached"
	SessionDetached   = "session.detached"
	SessionResumed    = "session.resumed"
	SessionTruncated  = "session.truncated"
	SessionTombstoned = "session.tombstoned" // Watched file disappeared
	SessionStopped    = "session.stopped"    // Idle grace expired, watcher torn down
)

// Event types for turn lifecycle
const (
	TurnStarted   = "turn.started"
	TurnFinalized = "turn.finalized"
)

// Event types for chat delivery
const (
	DeliverySent   = "delivery.sent"   // New message created at a destination
	DeliveryEdited = "delivery.edited" // Existing message edited
	DeliveryFailed = "delivery.failed" // Retries exhausted or permanent API error
)

// Event types for the search index
const (
	IndexScanCompleted = "index.scan_completed"
)

// BuildSessionSubject creates a session lifecycle subject scoped to one session.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSessionWildcardSubject creates a wildcard subscription for a session
// lifecycle event type across all sessions.
func BuildSessionWildcardSubject(eventType string) string {
	return eventType + ".*"
}
