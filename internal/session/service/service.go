// Package service owns the session lifecycle: attaching destinations to
// transcript files, running the per-session pipeline from file watcher to
// chat delivery, and persisting state across restarts.
package service

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaydev/relay/internal/common/config"
	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/delivery"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/session/state"
	"github.com/relaydev/relay/internal/stream"
	"github.com/relaydev/relay/internal/transcript"
	"github.com/relaydev/relay/internal/watcher"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrAlreadyAttached = errors.New("destination already attached")
	ErrNotAttached     = errors.New("destination not attached")
	ErrPathConflict    = errors.New("session is bound to a different path")
	ErrInvalidPath     = errors.New("transcript path must be absolute")
	ErrShuttingDown    = errors.New("service is shutting down")
)

// Dispatcher is the slice of the delivery layer the service drives. It is
// satisfied by *delivery.Dispatcher.
type Dispatcher interface {
	Enqueue(a delivery.Action)
	Cancel(sessionID string, dest models.Destination)
	Stop(ctx context.Context)
}

// Service manages watched transcript sessions and their destinations.
type Service struct {
	store    *state.Store
	hub      *stream.Hub
	disp     Dispatcher
	eventBus bus.EventBus
	log      *logger.Logger

	registryPath   string
	coalesceWindow time.Duration
	idleFinalize   time.Duration
	idleGrace      time.Duration
	drainTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewService creates the session service. Call Start to restore persisted
// sessions and Stop to shut down.
func NewService(cfg *config.Config, store *state.Store, hub *stream.Hub, disp Dispatcher, eventBus bus.EventBus, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		store:          store,
		hub:            hub,
		disp:           disp,
		eventBus:       eventBus,
		log:            log.WithFields(zap.String("component", "session_service")),
		registryPath:   filepath.Join(cfg.State.Dir, registryFileName),
		coalesceWindow: cfg.Watcher.CoalesceWindow(),
		idleFinalize:   cfg.Tracker.IdleFinalize(),
		idleGrace:      cfg.Registry.IdleGrace(),
		drainTimeout:   cfg.Dispatch.DrainTimeout(),
		sessions:       make(map[string]*session),
	}
}

// Start restores sessions from the destination registry and the state store
// and begins watching their transcript files. Sessions whose file is missing
// are tombstoned by the watcher and clean themselves up after the idle grace
// unless a destination is still attached.
func (s *Service) Start(ctx context.Context) error {
	entries, err := loadRegistry(s.registryPath)
	if err != nil {
		return err
	}
	records, err := s.store.LoadAll()
	if err != nil {
		return err
	}
	recByID := make(map[string]*state.Record, len(records))
	for _, rec := range records {
		recByID[rec.SessionID] = rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range entries {
		if entry.SessionID == "" || !filepath.IsAbs(entry.Path) {
			s.log.Warn("Skipping invalid registry entry",
				zap.String("session_id", entry.SessionID),
				zap.String("path", entry.Path))
			continue
		}
		rec := recByID[entry.SessionID]
		delete(recByID, entry.SessionID)

		sess := s.startSessionLocked(entry.SessionID, filepath.Clean(entry.Path), rec)
		sess.mu.Lock()
		for _, dest := range registryDestinations(entry) {
			sess.destinations[dest.Key()] = dest
		}
		if len(sess.destinations) == 0 {
			s.armGraceLocked(sess)
		}
		sess.mu.Unlock()
	}

	// Sessions known only to the state store keep streaming for SSE
	// subscribers; without a re-attach they stop after the idle grace.
	for _, rec := range recByID {
		if rec.SessionID == "" || !filepath.IsAbs(rec.Path) {
			continue
		}
		sess := s.startSessionLocked(rec.SessionID, rec.Path, rec)
		sess.mu.Lock()
		s.armGraceLocked(sess)
		sess.mu.Unlock()
	}

	s.log.Info("Session service started", zap.Int("sessions", len(s.sessions)))
	return nil
}

// startSessionLocked creates the session runtime and launches its pipeline.
// Caller holds s.mu. A state record for a different path is ignored: the
// first batch overwrites it.
func (s *Service) startSessionLocked(id, path string, rec *state.Record) *session {
	var offset int64
	var pctx *transcript.Context
	var turns map[string]state.Turn
	if rec != nil && rec.Path == path {
		offset = rec.Offset
		pctx = rec.Context
		turns = rec.Turns
	}

	sess := &session{
		id:           id,
		path:         path,
		processor:    transcript.NewProcessor(pctx, s.log),
		tracker:      delivery.NewTracker(id, s.eventBus, s.log),
		view:         transcript.NewViewState(),
		destinations: make(map[string]models.Destination),
		attachedAt:   time.Now().UTC(),
		offset:       offset,
		done:         make(chan struct{}),
	}
	if len(turns) > 0 {
		restored := make([]delivery.TurnState, 0, len(turns))
		for key, turn := range turns {
			restored = append(restored, delivery.TurnState{
				Destination: key,
				TurnID:      turn.TurnID,
				MessageID:   turn.MessageID,
				TextHash:    turn.TextHash,
			})
		}
		sess.tracker.Restore(context.Background(), restored)
	}
	sess.tail = watcher.New(watcher.Config{
		SessionID:      id,
		Path:           path,
		Offset:         offset,
		CoalesceWindow: s.coalesceWindow,
	}, s.log)

	s.sessions[id] = sess
	s.hub.Open(id)
	sess.tail.Start()
	go s.runSession(sess)

	s.log.Info("Watching transcript",
		zap.String("session_id", id),
		zap.String("path", path),
		zap.Int64("offset", offset))
	return sess
}

// Attach binds a destination to a session, creating the session and its
// watcher on first attach. Attaching an already-attached destination returns
// ErrAlreadyAttached; the operation is otherwise idempotent.
func (s *Service) Attach(ctx context.Context, sessionID, path string, dest models.Destination) error {
	if !filepath.IsAbs(path) {
		return ErrInvalidPath
	}
	path = filepath.Clean(path)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	sess, ok := s.sessions[sessionID]
	if ok && sess.path != path {
		s.mu.Unlock()
		return ErrPathConflict
	}
	if !ok {
		rec, err := s.store.Load(sessionID)
		if err != nil {
			s.log.Warn("Failed to load session state, starting fresh",
				zap.String("session_id", sessionID),
				zap.Error(err))
		}
		sess = s.startSessionLocked(sessionID, path, rec)
	}
	s.mu.Unlock()

	sess.mu.Lock()
	if _, dup := sess.destinations[dest.Key()]; dup {
		sess.mu.Unlock()
		return ErrAlreadyAttached
	}
	sess.destinations[dest.Key()] = dest
	sess.stopGraceLocked()
	sess.mu.Unlock()

	if err := s.saveRegistrySnapshot(); err != nil {
		s.log.Error("Failed to save destination registry", zap.Error(err))
	}
	s.publishSessionEvent(ctx, events.SessionAttached, sess, map[string]interface{}{
		"destination": dest.Key(),
	})
	s.log.Info("Destination attached",
		zap.String("session_id", sessionID),
		zap.String("destination", dest.Key()))
	return nil
}

// Detach removes a destination from a session and cancels its queued
// deliveries. When the last destination detaches the session keeps running
// for an idle grace period so quick re-attaches lose nothing.
func (s *Service) Detach(ctx context.Context, sessionID string, dest models.Destination) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return ErrNotAttached
	}

	sess.mu.Lock()
	if _, ok := sess.destinations[dest.Key()]; !ok {
		sess.mu.Unlock()
		return ErrNotAttached
	}
	delete(sess.destinations, dest.Key())
	if len(sess.destinations) == 0 {
		s.armGraceLocked(sess)
	}
	sess.mu.Unlock()

	s.disp.Cancel(sessionID, dest)

	if err := s.saveRegistrySnapshot(); err != nil {
		s.log.Error("Failed to save destination registry", zap.Error(err))
	}
	s.publishSessionEvent(ctx, events.SessionDetached, sess, map[string]interface{}{
		"destination": dest.Key(),
	})
	s.log.Info("Destination detached",
		zap.String("session_id", sessionID),
		zap.String("destination", dest.Key()))
	return nil
}

// Sessions returns a snapshot of all live sessions sorted by id.
func (s *Service) Sessions() []models.Session {
	s.mu.Lock()
	list := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		list = append(list, sess)
	}
	s.mu.Unlock()

	out := make([]models.Session, 0, len(list))
	for _, sess := range list {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Exists reports whether a session is currently live.
func (s *Service) Exists(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// SessionCount returns the number of live sessions.
func (s *Service) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Markdown renders the session's current block list as a markdown document.
func (s *Service) Markdown(sessionID string) (string, error) {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	s.mu.Unlock()
	if !ok {
		return "", ErrSessionNotFound
	}

	sess.viewMu.Lock()
	defer sess.viewMu.Unlock()
	return sess.view.Render(), nil
}

// armGraceLocked schedules the idle stop for a destination-less session.
// Caller holds sess.mu.
func (s *Service) armGraceLocked(sess *session) {
	if sess.grace != nil {
		sess.grace.Stop()
	}
	id := sess.id
	sess.grace = time.AfterFunc(s.idleGrace, func() { s.maybeStop(id) })
}

// maybeStop tears down a session whose idle grace expired. A session with
// destinations again, or with live stream subscribers, stays up; subscribers
// re-arm the grace instead of being cut off.
func (s *Service) maybeStop(sessionID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.mu.Lock()
	if len(sess.destinations) > 0 {
		sess.grace = nil
		sess.mu.Unlock()
		s.mu.Unlock()
		return
	}
	if s.hub.SubscriberCount(sessionID) > 0 {
		s.armGraceLocked(sess)
		sess.mu.Unlock()
		s.mu.Unlock()
		return
	}
	sess.stopGraceLocked()
	sess.mu.Unlock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()

	sess.tail.Stop()
	<-sess.done
	s.persist(sess)
	s.hub.Close(sessionID)

	s.publishSessionEvent(context.Background(), events.SessionStopped, sess, nil)
	s.log.Info("Idle session stopped", zap.String("session_id", sessionID))
}

// Stop shuts the service down: new attach and detach calls are refused,
// watchers stop, queued deliveries drain within the configured budget, and
// final session state is persisted.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			sess.tail.Stop()
			<-sess.done
		}(sess)
	}
	wg.Wait()

	drainCtx := ctx
	if s.drainTimeout > 0 {
		var cancel context.CancelFunc
		drainCtx, cancel = context.WithTimeout(ctx, s.drainTimeout)
		defer cancel()
	}
	s.disp.Stop(drainCtx)

	for _, sess := range sessions {
		sess.mu.Lock()
		sess.stopGraceLocked()
		sess.mu.Unlock()
		s.persist(sess)
		s.hub.Close(sess.id)
	}

	s.log.Info("Session service stopped", zap.Int("sessions", len(sessions)))
}

func (s *Service) saveRegistrySnapshot() error {
	s.mu.Lock()
	entries := make([]registryEntry, 0, len(s.sessions))
	for _, sess := range s.sessions {
		snap := sess.snapshot()
		if len(snap.Destinations) == 0 {
			continue
		}
		entry := registryEntry{SessionID: snap.ID, Path: snap.Path}
		for _, d := range snap.Destinations {
			entry.Destinations = append(entry.Destinations, models.DestinationToWire(d))
		}
		entries = append(entries, entry)
	}
	s.mu.Unlock()

	return saveRegistry(s.registryPath, entries)
}

func (s *Service) publishSessionEvent(ctx context.Context, eventType string, sess *session, extra map[string]interface{}) {
	if s.eventBus == nil {
		return
	}
	data := map[string]interface{}{
		"session_id": sess.id,
		"path":       sess.path,
	}
	for k, v := range extra {
		data[k] = v
	}
	event := bus.NewEvent(eventType, "session-service", data)
	subject := events.BuildSessionSubject(eventType, sess.id)
	if err := s.eventBus.Publish(ctx, subject, event); err != nil {
		s.log.Error("Failed to publish session event",
			zap.String("event_type", eventType),
			zap.String("session_id", sess.id),
			zap.Error(err))
	}
}
