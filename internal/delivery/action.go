// Package delivery turns the per-session event stream into chat messages:
// the Tracker groups blocks into turns and decides when to send a new
// message versus edit the open one, and the Dispatcher executes those
// actions against destination APIs with coalescing, rate limiting, and
// retries.
package delivery

import "github.com/relaydev/relay/internal/session/models"

// ActionKind discriminates dispatcher operations.
type ActionKind string

const (
	// ActionSend creates a new chat message for a turn.
	ActionSend ActionKind = "send"
	// ActionEdit rewrites the open chat message of a turn.
	ActionEdit ActionKind = "edit"
)

// Action is one publish operation requested by the Tracker. MessageID names
// the logical chat message; the Dispatcher resolves it to a platform handle
// once the send that created it completes, so edits can be emitted before
// the handle is known.
type Action struct {
	SessionID   string
	Destination models.Destination
	Kind        ActionKind
	MessageID   string
	Text        string
}
