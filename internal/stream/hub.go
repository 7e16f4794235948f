// Package stream buffers per-session pipeline events and fans them out to
// HTTP subscribers. Each session keeps a ring of its most recent events so
// that late subscribers can catch up from the recent past; every subscriber
// gets a bounded outbound queue and is disconnected if it falls behind.
package stream

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/transcript"
)

// ErrUnknownSession is returned when subscribing to a session that is not
// currently streaming.
var ErrUnknownSession = errors.New("unknown session")

// Event is one pipeline event as delivered to subscribers. EventID increases
// monotonically per session and never resets, including across ClearAll, so
// a subscriber can resume from the last id it saw.
type Event struct {
	EventID int64                `json:"event_id"`
	Kind    transcript.EventKind `json:"kind"`
	Block   *transcript.Block    `json:"block,omitempty"`
}

// Config tunes per-session buffering and fan-out.
type Config struct {
	// BufferSize is how many recent events each session retains for
	// late subscribers.
	BufferSize int
	// QueueSize is the outbound queue per subscriber. A subscriber whose
	// queue overflows is disconnected rather than ever blocking the
	// publishing pipeline.
	QueueSize int
}

// Subscription is one subscriber's view of a session stream. Its channel is
// closed when the subscriber is disconnected, unsubscribed, or the session
// stream closes.
type Subscription struct {
	ID     string
	events chan Event
}

// Events returns the ordered event channel.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

type sessionStream struct {
	mu     sync.Mutex
	nextID int64
	buffer []Event
	subs   map[string]*Subscription
}

// Hub owns the event buffers and subscriber sets for all streaming sessions.
// Publish is called synchronously from each session's pipeline goroutine;
// fan-out never blocks on a subscriber.
type Hub struct {
	mu       sync.RWMutex
	sessions map[string]*sessionStream

	bufSize   int
	queueSize int
	log       *logger.Logger
}

// NewHub creates a Hub. The subscriber queue is widened to at least the
// buffer size so that catch-up history always fits without blocking.
func NewHub(cfg Config, log *logger.Logger) *Hub {
	if log == nil {
		log = logger.Default()
	}
	bufSize := cfg.BufferSize
	if bufSize <= 0 {
		bufSize = 20
	}
	queueSize := cfg.QueueSize
	if queueSize < bufSize {
		queueSize = bufSize
	}
	return &Hub{
		sessions:  make(map[string]*sessionStream),
		bufSize:   bufSize,
		queueSize: queueSize,
		log:       log.WithFields(zap.String("component", "stream_hub")),
	}
}

// Open creates the stream for a session. Opening an already open session is
// a no-op.
func (h *Hub) Open(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.sessions[sessionID]; !ok {
		h.sessions[sessionID] = &sessionStream{
			subs: make(map[string]*Subscription),
		}
	}
}

// Close tears down a session stream, closing every subscriber channel and
// dropping the buffered history.
func (h *Hub) Close(sessionID string) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	if ok {
		delete(h.sessions, sessionID)
	}
	h.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.events)
	}
	s.mu.Unlock()
}

func (h *Hub) lookup(sessionID string) *sessionStream {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.sessions[sessionID]
}

// Publish assigns the next event id, records the event in the session
// buffer, and fans it out. Subscribers whose queues are full are
// disconnected so the pipeline never waits on a slow consumer. The assigned
// event is returned.
func (h *Hub) Publish(sessionID string, ev transcript.Event) Event {
	s := h.lookup(sessionID)
	if s == nil {
		h.log.Debug("Dropping event for unopened session stream", zap.String("session_id", sessionID))
		return Event{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	out := Event{
		EventID: s.nextID,
		Kind:    ev.Kind,
		Block:   ev.Block,
	}

	s.buffer = append(s.buffer, out)
	if len(s.buffer) > h.bufSize {
		s.buffer = s.buffer[1:]
	}

	for id, sub := range s.subs {
		select {
		case sub.events <- out:
		default:
			delete(s.subs, id)
			close(sub.events)
			h.log.Warn("Disconnecting slow subscriber",
				zap.String("session_id", sessionID),
				zap.String("subscriber_id", id))
		}
	}
	return out
}

// Subscribe registers a subscriber on a session stream. Buffered events with
// ids greater than lastEventID are queued first, so the subscriber sees the
// recent past before the live stream continues.
func (h *Hub) Subscribe(sessionID string, lastEventID int64) (*Subscription, error) {
	s := h.lookup(sessionID)
	if s == nil {
		return nil, ErrUnknownSession
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sub := &Subscription{
		ID:     uuid.NewString(),
		events: make(chan Event, h.queueSize),
	}
	for _, ev := range s.buffer {
		if ev.EventID > lastEventID {
			sub.events <- ev
		}
	}
	s.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe removes a subscriber and closes its channel. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(sessionID, subID string) {
	s := h.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[subID]; ok {
		delete(s.subs, subID)
		close(sub.events)
	}
}

// SubscriberCount returns the number of active subscribers on a session.
func (h *Hub) SubscriberCount(sessionID string) int {
	s := h.lookup(sessionID)
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}
