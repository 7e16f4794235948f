package delivery

import (
	"context"
	"hash/fnv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/transcript"
)

// destState is the open-turn bookkeeping for one destination of a session.
// A turn is open while blocks are still accumulating; messageID is empty
// until the first non-empty render produced a send.
type destState struct {
	dest      models.Destination
	open      bool
	turnID    string
	messageID string
	textHash  uint64
	pending   []transcript.Block
}

// Tracker groups one session's event stream into turns per destination and
// decides, for every event, whether a destination needs a new chat message
// or an edit of the open one. It is owned by the session's pipeline
// goroutine and must not be called concurrently.
type Tracker struct {
	sessionID string
	states    map[string]*destState
	bus       bus.EventBus
	log       *logger.Logger
}

// NewTracker creates a Tracker for a session. The event bus is optional and
// only carries turn lifecycle notifications.
func NewTracker(sessionID string, eventBus bus.EventBus, log *logger.Logger) *Tracker {
	if log == nil {
		log = logger.Default()
	}
	return &Tracker{
		sessionID: sessionID,
		states:    make(map[string]*destState),
		bus:       eventBus,
		log:       log.WithSessionID(sessionID),
	}
}

// Track applies one pipeline event against the given destination snapshot
// and returns the publish actions it implies, in emission order. States for
// destinations no longer in the snapshot are dropped.
func (t *Tracker) Track(ctx context.Context, ev transcript.Event, dests []models.Destination) []Action {
	t.prune(dests)

	var actions []Action
	for _, dest := range dests {
		st, ok := t.states[dest.Key()]
		if !ok {
			st = &destState{dest: dest}
			t.states[dest.Key()] = st
		}
		if a := t.apply(ctx, st, ev); a != nil {
			actions = append(actions, *a)
		}
	}
	return actions
}

// FinalizeIdle freezes every open turn. No action is emitted; the published
// messages stay as they are.
func (t *Tracker) FinalizeIdle(ctx context.Context) {
	for _, st := range t.states {
		t.finalize(ctx, st)
	}
}

// TurnState is one destination's open turn, exported for persistence.
type TurnState struct {
	Destination string
	TurnID      string
	MessageID   string
	TextHash    uint64
}

// Restore seeds the tracker with turn state persisted by an earlier run and
// finalizes each restored turn right away: the blocks behind a pre-restart
// message cannot be re-rendered, so the message stays as published and the
// next block opens a fresh one. Bus consumers see the dangling turns close.
func (t *Tracker) Restore(ctx context.Context, states []TurnState) {
	for _, ts := range states {
		dest, err := models.DestinationFromKey(ts.Destination)
		if err != nil {
			t.log.Warn("Dropping restored turn with bad destination key",
				zap.String("destination", ts.Destination),
				zap.Error(err))
			continue
		}
		st := &destState{
			dest:      dest,
			open:      true,
			turnID:    ts.TurnID,
			messageID: ts.MessageID,
			textHash:  ts.TextHash,
		}
		t.states[ts.Destination] = st
		t.finalize(ctx, st)
	}
}

// Snapshot returns the open turn per destination. Frozen turns carry no
// state worth persisting.
func (t *Tracker) Snapshot() []TurnState {
	var out []TurnState
	for key, st := range t.states {
		if !st.open {
			continue
		}
		out = append(out, TurnState{
			Destination: key,
			TurnID:      st.turnID,
			MessageID:   st.messageID,
			TextHash:    st.textHash,
		})
	}
	return out
}

func (t *Tracker) prune(dests []models.Destination) {
	if len(t.states) == 0 {
		return
	}
	keep := make(map[string]bool, len(dests))
	for _, d := range dests {
		keep[d.Key()] = true
	}
	for key := range t.states {
		if !keep[key] {
			delete(t.states, key)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, st *destState, ev transcript.Event) *Action {
	switch ev.Kind {
	case transcript.EventClearAll:
		t.finalize(ctx, st)
		return nil
	case transcript.EventAddBlock:
		if ev.Block == nil {
			return nil
		}
		return t.addBlock(ctx, st, *ev.Block)
	case transcript.EventUpdateBlock:
		if ev.Block == nil {
			return nil
		}
		return t.updateBlock(st, *ev.Block)
	}
	return nil
}

func (t *Tracker) addBlock(ctx context.Context, st *destState, b transcript.Block) *Action {
	// A differing non-empty request id is a turn boundary. Blocks without a
	// request id always join the open turn, and an anonymous turn adopts
	// the first request id it sees, so a user block and the assistant
	// response that follows land in one message.
	if st.open && b.RequestID != "" && st.turnID != "" && b.RequestID != st.turnID {
		t.finalize(ctx, st)
	}

	if !st.open {
		st.open = true
		st.turnID = b.RequestID
		st.pending = nil
		t.notifyTurn(ctx, events.TurnStarted, st)
	} else if st.turnID == "" && b.RequestID != "" {
		st.turnID = b.RequestID
	}

	st.pending = append(st.pending, b)
	action := t.emit(st)

	if b.Type == transcript.BlockDuration {
		t.finalize(ctx, st)
	}
	return action
}

func (t *Tracker) updateBlock(st *destState, b transcript.Block) *Action {
	if !st.open {
		return nil
	}
	// Blocks of frozen turns are no longer pending, so late updates to them
	// fall through without an edit.
	for i := range st.pending {
		if st.pending[i].ID == b.ID {
			st.pending[i] = b
			return t.emit(st)
		}
	}
	return nil
}

// emit renders the pending turn and produces the action that brings the
// destination up to date: a send while the turn has no message yet, an edit
// afterwards. Text identical to the last emission produces nothing.
func (t *Tracker) emit(st *destState) *Action {
	text := transcript.RenderBlocks(st.pending)
	if text == "" {
		return nil
	}
	h := hashText(text)
	if st.messageID != "" && h == st.textHash {
		return nil
	}
	st.textHash = h

	kind := ActionEdit
	if st.messageID == "" {
		st.messageID = uuid.NewString()
		kind = ActionSend
	}
	return &Action{
		SessionID:   t.sessionID,
		Destination: st.dest,
		Kind:        kind,
		MessageID:   st.messageID,
		Text:        text,
	}
}

func (t *Tracker) finalize(ctx context.Context, st *destState) {
	if !st.open {
		return
	}
	t.notifyTurn(ctx, events.TurnFinalized, st)
	st.open = false
	st.turnID = ""
	st.messageID = ""
	st.textHash = 0
	st.pending = nil
}

func (t *Tracker) notifyTurn(ctx context.Context, eventType string, st *destState) {
	if t.bus == nil {
		return
	}
	subject := events.BuildSessionSubject(eventType, t.sessionID)
	ev := bus.NewEvent(eventType, "delivery", map[string]interface{}{
		"session_id":  t.sessionID,
		"destination": st.dest.Key(),
		"turn_id":     st.turnID,
	})
	if err := t.bus.Publish(ctx, subject, ev); err != nil {
		t.log.Debug("Failed to publish turn notification", zap.Error(err))
	}
}

func hashText(text string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	return h.Sum64()
}
