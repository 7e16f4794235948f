package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/publisher"
	"github.com/relaydev/relay/internal/session/models"
)

type fakeCall struct {
	kind   string
	target string
	handle string
	text   string
	at     time.Time
}

// fakePublisher records every API attempt. The hook runs after recording and
// may block or inject errors; a nil hook means every call succeeds.
type fakePublisher struct {
	mu    sync.Mutex
	calls []fakeCall
	seq   int
	hook  func(ctx context.Context, c fakeCall) error
}

func (f *fakePublisher) Send(ctx context.Context, target, text string) (string, error) {
	f.mu.Lock()
	f.seq++
	c := fakeCall{kind: "send", target: target, handle: fmt.Sprintf("h%d", f.seq), text: text, at: time.Now()}
	f.calls = append(f.calls, c)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, c); err != nil {
			return "", err
		}
	}
	return c.handle, nil
}

func (f *fakePublisher) Edit(ctx context.Context, target, handle, text string) error {
	f.mu.Lock()
	c := fakeCall{kind: "edit", target: target, handle: handle, text: text, at: time.Now()}
	f.calls = append(f.calls, c)
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		return hook(ctx, c)
	}
	return nil
}

func (f *fakePublisher) all() []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakePublisher) waitCalls(t *testing.T, n int) []fakeCall {
	t.Helper()
	require.Eventually(t, func() bool { return f.count() >= n }, 3*time.Second, 2*time.Millisecond)
	return f.all()
}

func fastConfig() Config {
	return Config{
		TelegramEditGap:  time.Millisecond,
		SlackEditGap:     time.Millisecond,
		RateLimitOps:     1000,
		RateLimitWindow:  time.Second,
		RetryMaxAttempts: 3,
		RetryBackoffMax:  time.Millisecond,
		APITimeout:       time.Second,
	}
}

func newTestDispatcher(t *testing.T, cfg Config, pub publisher.Publisher, eventBus bus.EventBus) *Dispatcher {
	t.Helper()
	d := NewDispatcher(cfg, map[models.DestinationKind]publisher.Publisher{
		models.DestinationTelegram: pub,
		models.DestinationSlack:    pub,
	}, eventBus, newTestLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		d.Stop(ctx)
	})
	return d
}

func sendAction(sessionID, mid, text string) Action {
	return Action{SessionID: sessionID, Destination: tgDest, Kind: ActionSend, MessageID: mid, Text: text}
}

func editAction(sessionID, mid, text string) Action {
	return Action{SessionID: sessionID, Destination: tgDest, Kind: ActionEdit, MessageID: mid, Text: text}
}

func TestDispatcher_SendThenEdit(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "hello"))
	d.Enqueue(editAction("s1", "m1", "hello world"))

	calls := pub.waitCalls(t, 2)
	assert.Equal(t, "send", calls[0].kind)
	assert.Equal(t, "100", calls[0].target)
	assert.Equal(t, "hello", calls[0].text)
	assert.Equal(t, "edit", calls[1].kind)
	assert.Equal(t, calls[0].handle, calls[1].handle, "the edit resolves to the handle the send returned")
	assert.Equal(t, "hello world", calls[1].text)
}

func TestDispatcher_CoalescesQueuedEdits(t *testing.T) {
	gate := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if first.CompareAndSwap(true, false) {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "hello"))
	pub.waitCalls(t, 1)

	// Two edits land while the send is in flight; only the latest survives.
	d.Enqueue(editAction("s1", "m1", "v1"))
	d.Enqueue(editAction("s1", "m1", "v2"))
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	calls := pub.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "edit", calls[1].kind)
	assert.Equal(t, "v2", calls[1].text)
}

func TestDispatcher_EditAbsorbedByQueuedSend(t *testing.T) {
	gate := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if first.CompareAndSwap(true, false) {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "blocker", "busy"))
	pub.waitCalls(t, 1)

	d.Enqueue(sendAction("s1", "m1", "first"))
	d.Enqueue(editAction("s1", "m1", "updated"))
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	calls := pub.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "send", calls[1].kind, "the queued send absorbs the edit and stays a send")
	assert.Equal(t, "updated", calls[1].text)
}

func TestDispatcher_EditWithoutHandleDropped(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(editAction("s1", "ghost", "nobody home"))
	d.Enqueue(sendAction("s1", "m1", "real"))

	calls := pub.waitCalls(t, 1)
	require.Len(t, calls, 1)
	assert.Equal(t, "send", calls[0].kind)
}

func TestDispatcher_RetriesTransientThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if c.kind == "send" && attempts.Add(1) <= 2 {
			return publisher.NewTransient(errors.New("rate limited"), 0)
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "payload"))
	d.Enqueue(editAction("s1", "m1", "payload v2"))

	calls := pub.waitCalls(t, 4)
	assert.Equal(t, "send", calls[0].kind)
	assert.Equal(t, "send", calls[1].kind)
	assert.Equal(t, "send", calls[2].kind)
	assert.Equal(t, "edit", calls[3].kind)
	assert.Equal(t, calls[2].handle, calls[3].handle, "only the successful attempt's handle sticks")
}

func TestDispatcher_RetryAfterOverridesBackoff(t *testing.T) {
	var attempts atomic.Int32
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if attempts.Add(1) == 1 {
			return publisher.NewTransient(errors.New("too many requests"), 80*time.Millisecond)
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "payload"))

	calls := pub.waitCalls(t, 2)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 60*time.Millisecond,
		"the retry waits out the server-provided delay")
}

func TestDispatcher_PermanentErrorDropsAction(t *testing.T) {
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if c.text == "boom" {
			return publisher.NewPermanent(errors.New("chat not found"))
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "boom"))
	d.Enqueue(editAction("s1", "m1", "never sent"))
	d.Enqueue(sendAction("s1", "m2", "fine"))

	calls := pub.waitCalls(t, 2)
	require.Len(t, calls, 2)
	assert.Equal(t, "boom", calls[0].text, "permanent errors are not retried")
	assert.Equal(t, "fine", calls[1].text, "edits of a failed send are skipped, later work continues")
}

func TestDispatcher_ExhaustsRetries(t *testing.T) {
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		return publisher.NewTransient(errors.New("flaky"), 0)
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "payload"))

	pub.waitCalls(t, 3)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, pub.count(), "attempts stop at the configured maximum")
}

func TestDispatcher_PerMessageGap(t *testing.T) {
	cfg := fastConfig()
	cfg.TelegramEditGap = 60 * time.Millisecond
	pub := &fakePublisher{}
	d := newTestDispatcher(t, cfg, pub, nil)

	d.Enqueue(sendAction("s1", "m1", "hello"))
	pub.waitCalls(t, 1)
	d.Enqueue(editAction("s1", "m1", "hello again"))

	calls := pub.waitCalls(t, 2)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 50*time.Millisecond,
		"consecutive operations on one message keep the minimum gap")
}

func TestDispatcher_RateLimiterSpacesCalls(t *testing.T) {
	cfg := fastConfig()
	cfg.RateLimitOps = 4
	cfg.RateLimitWindow = 200 * time.Millisecond
	pub := &fakePublisher{}
	d := newTestDispatcher(t, cfg, pub, nil)

	d.Enqueue(sendAction("s1", "m1", "one"))
	d.Enqueue(sendAction("s1", "m2", "two"))
	d.Enqueue(sendAction("s1", "m3", "three"))

	calls := pub.waitCalls(t, 3)
	assert.GreaterOrEqual(t, calls[1].at.Sub(calls[0].at), 40*time.Millisecond)
	assert.GreaterOrEqual(t, calls[2].at.Sub(calls[1].at), 40*time.Millisecond)
}

func TestDispatcher_CancelSession(t *testing.T) {
	gate := make(chan struct{})
	var first atomic.Bool
	first.Store(true)
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if first.CompareAndSwap(true, false) {
			select {
			case <-gate:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "one"))
	pub.waitCalls(t, 1)
	d.Enqueue(sendAction("s1", "m2", "two"))
	d.Enqueue(sendAction("s2", "m3", "three"))

	d.Cancel("s1", tgDest)
	close(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	calls := pub.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "three", calls[1].text, "the other session's work still runs")
}

func TestDispatcher_StopDrainsQueue(t *testing.T) {
	pub := &fakePublisher{}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	for i := 0; i < 5; i++ {
		d.Enqueue(sendAction("s1", fmt.Sprintf("m%d", i), fmt.Sprintf("msg %d", i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d.Stop(ctx)

	assert.Equal(t, 5, pub.count())
	assert.Equal(t, 0, d.Pending())

	d.Enqueue(sendAction("s1", "late", "dropped"))
	assert.Equal(t, 5, pub.count(), "actions after shutdown are dropped")
}

func TestDispatcher_StopAbortsOnExpiredContext(t *testing.T) {
	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		<-ctx.Done()
		return ctx.Err()
	}
	d := newTestDispatcher(t, fastConfig(), pub, nil)

	d.Enqueue(sendAction("s1", "m1", "stuck"))
	pub.waitCalls(t, 1)

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	d.Stop(ctx)
	assert.Less(t, time.Since(start), time.Second, "a stuck call does not block shutdown past the deadline")
}

func TestDispatcher_MissingPublisherKind(t *testing.T) {
	pub := &fakePublisher{}
	d := NewDispatcher(fastConfig(), map[models.DestinationKind]publisher.Publisher{
		models.DestinationTelegram: pub,
	}, nil, newTestLogger(t))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		d.Stop(ctx)
	})

	d.Enqueue(Action{SessionID: "s1", Destination: slDest, Kind: ActionSend, MessageID: "m1", Text: "hi"})
	assert.Equal(t, 0, d.Pending())
	assert.Equal(t, 0, pub.count())
}

func TestDispatcher_PublishesDeliveryNotifications(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var sent, edited, failed atomic.Int32
	for _, sub := range []struct {
		subject string
		counter *atomic.Int32
	}{
		{events.BuildSessionWildcardSubject(events.DeliverySent), &sent},
		{events.BuildSessionWildcardSubject(events.DeliveryEdited), &edited},
		{events.BuildSessionWildcardSubject(events.DeliveryFailed), &failed},
	} {
		counter := sub.counter
		_, err := eventBus.Subscribe(sub.subject, func(ctx context.Context, ev *bus.Event) error {
			counter.Add(1)
			return nil
		})
		require.NoError(t, err)
	}

	pub := &fakePublisher{}
	pub.hook = func(ctx context.Context, c fakeCall) error {
		if c.text == "boom" {
			return publisher.NewPermanent(errors.New("channel archived"))
		}
		return nil
	}
	d := newTestDispatcher(t, fastConfig(), pub, eventBus)

	d.Enqueue(sendAction("s1", "m1", "hello"))
	d.Enqueue(editAction("s1", "m1", "hello v2"))
	d.Enqueue(sendAction("s1", "m2", "boom"))

	require.Eventually(t, func() bool {
		return sent.Load() == 1 && edited.Load() == 1 && failed.Load() == 1
	}, 3*time.Second, 5*time.Millisecond)
}
