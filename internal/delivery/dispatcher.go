package delivery

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/publisher"
	"github.com/relaydev/relay/internal/session/models"
)

// Config tunes dispatch pacing and retries.
type Config struct {
	TelegramEditGap  time.Duration
	SlackEditGap     time.Duration
	RateLimitOps     int
	RateLimitWindow  time.Duration
	RetryMaxAttempts int
	RetryBackoffMax  time.Duration
	APITimeout       time.Duration
}

func (c Config) withDefaults() Config {
	if c.TelegramEditGap <= 0 {
		c.TelegramEditGap = time.Second
	}
	if c.SlackEditGap <= 0 {
		c.SlackEditGap = 700 * time.Millisecond
	}
	if c.RateLimitOps <= 0 {
		c.RateLimitOps = 20
	}
	if c.RateLimitWindow <= 0 {
		c.RateLimitWindow = time.Minute
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBackoffMax <= 0 {
		c.RetryBackoffMax = 30 * time.Second
	}
	if c.APITimeout <= 0 {
		c.APITimeout = 15 * time.Second
	}
	return c
}

func (c Config) editGap(kind models.DestinationKind) time.Duration {
	if kind == models.DestinationSlack {
		return c.SlackEditGap
	}
	return c.TelegramEditGap
}

// Dispatcher executes tracker actions against destination APIs. Each
// destination gets one serial worker, which preserves per-handle FIFO order
// while queued edits coalesce to the latest payload. A per-destination token
// bucket spaces API calls so the configured budget holds in every window.
type Dispatcher struct {
	cfg  Config
	pubs map[models.DestinationKind]publisher.Publisher
	bus  bus.EventBus
	log  *logger.Logger

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	drainCh chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDispatcher creates a Dispatcher over the given publishers, keyed by
// destination kind. The event bus is optional and carries delivery
// notifications only.
func NewDispatcher(cfg Config, pubs map[models.DestinationKind]publisher.Publisher, eventBus bus.EventBus, log *logger.Logger) *Dispatcher {
	if log == nil {
		log = logger.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		cfg:     cfg.withDefaults(),
		pubs:    pubs,
		bus:     eventBus,
		log:     log.WithFields(zap.String("component", "dispatcher")),
		workers: make(map[string]*worker),
		drainCh: make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Enqueue hands an action to the destination's worker, creating the worker
// on first use. Edits already queued for the same message are replaced by
// the newer payload instead of growing the queue.
func (d *Dispatcher) Enqueue(a Action) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.log.Debug("Dropping action after shutdown",
			zap.String("session_id", a.SessionID),
			zap.String("destination", a.Destination.Key()))
		return
	}
	w, ok := d.workers[a.Destination.Key()]
	if !ok {
		pub := d.pubs[a.Destination.Kind]
		if pub == nil {
			d.mu.Unlock()
			d.log.Warn("No publisher configured for destination kind",
				zap.String("kind", string(a.Destination.Kind)))
			return
		}
		w = newWorker(a.Destination, pub, d)
		d.workers[a.Destination.Key()] = w
		d.wg.Add(1)
		go w.run()
	}
	d.mu.Unlock()

	w.enqueue(a)
}

// Cancel drops queued and in-flight work of one session at one destination.
// Used on detach; other sessions sharing the destination are unaffected.
func (d *Dispatcher) Cancel(sessionID string, dest models.Destination) {
	d.mu.Lock()
	w := d.workers[dest.Key()]
	d.mu.Unlock()
	if w != nil {
		w.cancelSession(sessionID)
	}
}

// Pending returns the total number of queued actions across all workers.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, w := range d.workers {
		n += w.depth()
	}
	return n
}

// Stop drains the workers until their queues are empty or ctx expires, then
// aborts whatever is left. No further actions are accepted.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.drainCh)

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.cancel()
		<-done
	}
	d.cancel()
}

type queuedAction struct {
	action    Action
	cancelled bool
}

// worker serializes all API calls to one destination. Queue bookkeeping is
// mutex-guarded because the pipeline enqueues concurrently; handles, gap
// timestamps, and failure marks are touched only by the worker goroutine.
type worker struct {
	dest models.Destination
	pub  publisher.Publisher
	d    *Dispatcher
	log  *logger.Logger

	limiter *rate.Limiter
	gap     time.Duration

	mu      sync.Mutex
	queue   []*queuedAction
	byID    map[string]*queuedAction
	current *queuedAction
	kick    chan struct{}

	draining bool

	handles     map[string]string
	lastOp      map[string]time.Time
	failed      map[string]bool
	sessionMids map[string][]string
}

func newWorker(dest models.Destination, pub publisher.Publisher, d *Dispatcher) *worker {
	interval := d.cfg.RateLimitWindow / time.Duration(d.cfg.RateLimitOps)
	return &worker{
		dest:        dest,
		pub:         pub,
		d:           d,
		log:         d.log.WithDestination(dest.Key()),
		limiter:     rate.NewLimiter(rate.Every(interval), 1),
		gap:         d.cfg.editGap(dest.Kind),
		byID:        make(map[string]*queuedAction),
		kick:        make(chan struct{}, 1),
		handles:     make(map[string]string),
		lastOp:      make(map[string]time.Time),
		failed:      make(map[string]bool),
		sessionMids: make(map[string][]string),
	}
}

func (w *worker) enqueue(a Action) {
	w.mu.Lock()
	if q, ok := w.byID[a.MessageID]; ok && !q.cancelled {
		// Latest payload wins. A queued send absorbs the newer text and
		// stays a send, so the message is created already up to date.
		q.action.Text = a.Text
		w.mu.Unlock()
		return
	}
	q := &queuedAction{action: a}
	w.queue = append(w.queue, q)
	w.byID[a.MessageID] = q
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) cancelSession(sessionID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, q := range w.queue {
		if q.action.SessionID == sessionID {
			q.cancelled = true
		}
	}
	if w.current != nil && w.current.action.SessionID == sessionID {
		w.current.cancelled = true
	}
	for _, mid := range w.sessionMids[sessionID] {
		delete(w.handles, mid)
		delete(w.lastOp, mid)
		delete(w.failed, mid)
	}
	delete(w.sessionMids, sessionID)
}

func (w *worker) depth() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

func (w *worker) run() {
	defer w.d.wg.Done()
	for {
		q := w.next()
		if q == nil {
			return
		}
		w.execute(q)
	}
}

func (w *worker) next() *queuedAction {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			q := w.queue[0]
			w.queue = w.queue[1:]
			if w.byID[q.action.MessageID] == q {
				delete(w.byID, q.action.MessageID)
			}
			w.mu.Unlock()
			return q
		}
		w.mu.Unlock()

		if w.draining {
			return nil
		}
		select {
		case <-w.kick:
		case <-w.d.drainCh:
			w.draining = true
		case <-w.d.ctx.Done():
			return nil
		}
	}
}

func (w *worker) execute(q *queuedAction) {
	w.mu.Lock()
	w.current = q
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		w.current = nil
		w.mu.Unlock()
	}()

	a := q.action
	if w.isCancelled(q) {
		return
	}
	if a.Kind == ActionEdit {
		if w.failed[a.MessageID] {
			w.log.Debug("Skipping edit of message whose send failed",
				zap.String("message_id", a.MessageID))
			return
		}
		if _, ok := w.handles[a.MessageID]; !ok {
			w.log.Debug("Dropping edit without a message handle",
				zap.String("message_id", a.MessageID))
			return
		}
	}

	// Minimum gap between consecutive operations on the same message.
	if last, ok := w.lastOp[a.MessageID]; ok {
		if wait := w.gap - time.Since(last); wait > 0 {
			if !w.sleep(wait, q) {
				return
			}
		}
	}

	backoff := time.Second
	for attempt := 1; ; attempt++ {
		if w.isCancelled(q) {
			return
		}
		if err := w.limiter.Wait(w.d.ctx); err != nil {
			return
		}

		err := w.call(a)
		if err == nil {
			w.lastOp[a.MessageID] = time.Now()
			w.notifyDelivery(a, nil)
			return
		}

		if publisher.IsPermanent(err) || attempt >= w.d.cfg.RetryMaxAttempts {
			w.log.Warn("Dropping destination action",
				zap.String("session_id", a.SessionID),
				zap.String("message_id", a.MessageID),
				zap.String("kind", string(a.Kind)),
				zap.Int("attempts", attempt),
				zap.Error(err))
			if a.Kind == ActionSend {
				w.failed[a.MessageID] = true
			}
			w.notifyDelivery(a, err)
			return
		}

		delay := backoff
		if delay > w.d.cfg.RetryBackoffMax {
			delay = w.d.cfg.RetryBackoffMax
		}
		if ra := publisher.RetryAfterDelay(err); ra > delay {
			delay = ra
		}
		w.log.Debug("Retrying destination action",
			zap.String("message_id", a.MessageID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if !w.sleep(delay, q) {
			return
		}
		backoff *= 2
	}
}

func (w *worker) call(a Action) error {
	ctx, cancel := context.WithTimeout(w.d.ctx, w.d.cfg.APITimeout)
	defer cancel()

	switch a.Kind {
	case ActionSend:
		handle, err := w.pub.Send(ctx, a.Destination.Target, a.Text)
		if err != nil {
			return err
		}
		w.handles[a.MessageID] = handle
		w.sessionMids[a.SessionID] = append(w.sessionMids[a.SessionID], a.MessageID)
		return nil
	case ActionEdit:
		return w.pub.Edit(ctx, a.Destination.Target, w.handles[a.MessageID], a.Text)
	}
	return nil
}

func (w *worker) sleep(d time.Duration, q *queuedAction) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return !w.isCancelled(q)
	case <-w.d.ctx.Done():
		return false
	}
}

func (w *worker) isCancelled(q *queuedAction) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return q.cancelled
}

func (w *worker) notifyDelivery(a Action, callErr error) {
	if w.d.bus == nil {
		return
	}
	eventType := events.DeliverySent
	switch {
	case callErr != nil:
		eventType = events.DeliveryFailed
	case a.Kind == ActionEdit:
		eventType = events.DeliveryEdited
	}
	data := map[string]interface{}{
		"session_id":  a.SessionID,
		"destination": a.Destination.Key(),
		"message_id":  a.MessageID,
		"kind":        string(a.Kind),
	}
	if callErr != nil {
		data["error"] = callErr.Error()
	}
	ev := bus.NewEvent(eventType, "delivery", data)
	if err := w.d.bus.Publish(context.Background(), events.BuildSessionSubject(eventType, a.SessionID), ev); err != nil {
		w.log.Debug("Failed to publish delivery notification", zap.Error(err))
	}
}
