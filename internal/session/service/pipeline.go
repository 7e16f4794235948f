package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/delivery"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/session/state"
	"github.com/relaydev/relay/internal/transcript"
	"github.com/relaydev/relay/internal/watcher"
)

// session is the runtime for one watched transcript: the tail feeding the
// processor, the derived block view for late joiners and markdown rendering,
// and the tracker that turns block events into chat actions.
type session struct {
	id   string
	path string

	tail      *watcher.Tail
	processor *transcript.Processor
	tracker   *delivery.Tracker

	viewMu sync.Mutex
	view   *transcript.ViewState

	mu           sync.Mutex
	destinations map[string]models.Destination
	attachedAt   time.Time
	tombstoned   bool
	grace        *time.Timer

	// offset is owned by the pipeline goroutine; reading it elsewhere is
	// only safe after done is closed.
	offset int64

	done chan struct{}
}

func (sess *session) destSnapshot() []models.Destination {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	out := make([]models.Destination, 0, len(sess.destinations))
	for _, d := range sess.destinations {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

func (sess *session) snapshot() models.Session {
	dests := sess.destSnapshot()
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return models.Session{
		ID:           sess.id,
		Path:         sess.path,
		Destinations: dests,
		Tombstoned:   sess.tombstoned,
		AttachedAt:   sess.attachedAt,
	}
}

// stopGraceLocked cancels a pending idle grace timer. Caller holds sess.mu.
func (sess *session) stopGraceLocked() {
	if sess.grace != nil {
		sess.grace.Stop()
		sess.grace = nil
	}
}

// runSession is the pipeline goroutine for one session. It owns the
// processor, tracker, and offset, so none of them need locking here.
func (s *Service) runSession(sess *session) {
	defer close(sess.done)

	idle := time.NewTimer(s.idleFinalize)
	defer idle.Stop()

	for {
		select {
		case batch, ok := <-sess.tail.Batches():
			if !ok {
				return
			}
			s.handleBatch(sess, batch, idle)

		case <-sess.tail.Gone():
			s.handleGone(sess)

		case <-idle.C:
			sess.tracker.FinalizeIdle(context.Background())
			s.persist(sess)
		}
	}
}

// handleBatch applies one batch of transcript lines. Reset batches clear the
// processing context and the derived view before replaying the file from the
// start, so every consumer sees a clear_all before the replayed blocks.
func (s *Service) handleBatch(sess *session, batch watcher.Batch, idle *time.Timer) {
	ctx := context.Background()

	if batch.Reset {
		resumed := false
		sess.mu.Lock()
		if sess.tombstoned {
			sess.tombstoned = false
			resumed = true
		}
		sess.mu.Unlock()

		sess.processor.Reset()
		s.applyEvent(sess, transcript.Event{Kind: transcript.EventClearAll})

		if resumed {
			s.log.Info("Transcript file reappeared, replaying",
				zap.String("session_id", sess.id),
				zap.String("path", sess.path))
			s.publishSessionEvent(ctx, events.SessionResumed, sess, nil)
		} else {
			s.publishSessionEvent(ctx, events.SessionTruncated, sess, nil)
		}
	}

	evs := sess.processor.ProcessBatch(batch.Lines)
	for _, ev := range evs {
		s.applyEvent(sess, ev)
	}

	sess.offset = batch.Offset
	s.persist(sess)

	if len(evs) > 0 || batch.Reset {
		resetTimer(idle, s.idleFinalize)
	}
}

// applyEvent pushes one block event through the three consumers in order:
// the replayable view, the live stream, and the delivery tracker.
func (s *Service) applyEvent(sess *session, ev transcript.Event) {
	sess.viewMu.Lock()
	sess.view.Apply(ev)
	sess.viewMu.Unlock()

	s.hub.Publish(sess.id, ev)

	for _, action := range sess.tracker.Track(context.Background(), ev, sess.destSnapshot()) {
		s.disp.Enqueue(action)
	}
}

// handleGone tombstones a session whose transcript file disappeared.
// Destinations stay attached; if the file reappears the watcher replays it
// with a Reset batch and the session resumes.
func (s *Service) handleGone(sess *session) {
	sess.mu.Lock()
	if sess.tombstoned {
		sess.mu.Unlock()
		return
	}
	sess.tombstoned = true
	sess.mu.Unlock()

	sess.tracker.FinalizeIdle(context.Background())

	if err := s.store.Delete(sess.id); err != nil {
		s.log.Warn("Failed to delete state record for tombstoned session",
			zap.String("session_id", sess.id),
			zap.Error(err))
	}
	s.publishSessionEvent(context.Background(), events.SessionTombstoned, sess, nil)
}

// persist writes the session's durable state: read offset, processing
// context, and the open turn per destination. Tombstoned sessions keep no
// record until their file reappears.
func (s *Service) persist(sess *session) {
	sess.mu.Lock()
	tombstoned := sess.tombstoned
	sess.mu.Unlock()
	if tombstoned {
		return
	}

	rec := &state.Record{
		SessionID: sess.id,
		Path:      sess.path,
		Offset:    sess.offset,
		Context:   sess.processor.Context(),
		Turns:     turnsFromSnapshot(sess.tracker.Snapshot()),
	}
	if err := s.store.Save(rec); err != nil {
		s.log.Error("Failed to persist session state",
			zap.String("session_id", sess.id),
			zap.Error(err))
	}
}

func turnsFromSnapshot(states []delivery.TurnState) map[string]state.Turn {
	if len(states) == 0 {
		return nil
	}
	out := make(map[string]state.Turn, len(states))
	for _, ts := range states {
		out[ts.Destination] = state.Turn{
			TurnID:    ts.TurnID,
			MessageID: ts.MessageID,
			TextHash:  ts.TextHash,
		}
	}
	return out
}

// resetTimer rearms a timer whose channel may hold an unconsumed tick.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
