package delivery

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydev/relay/internal/common/logger"
	"github.com/relaydev/relay/internal/events"
	"github.com/relaydev/relay/internal/events/bus"
	"github.com/relaydev/relay/internal/session/models"
	"github.com/relaydev/relay/internal/transcript"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "console",
		OutputPath: "stdout",
	})
	require.NoError(t, err)
	return log
}

func added(b transcript.Block) transcript.Event {
	return transcript.Event{Kind: transcript.EventAddBlock, Block: &b}
}

func updated(b transcript.Block) transcript.Event {
	return transcript.Event{Kind: transcript.EventUpdateBlock, Block: &b}
}

var (
	tgDest = models.Destination{Kind: models.DestinationTelegram, Target: "100"}
	slDest = models.Destination{Kind: models.DestinationSlack, Target: "C42"}
)

func TestTracker_SingleUserTurn(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	first := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"}), dests)
	require.Len(t, first, 1)
	assert.Equal(t, ActionSend, first[0].Kind)
	assert.Equal(t, "> hi", first[0].Text)
	assert.Equal(t, "s1", first[0].SessionID)
	assert.Equal(t, tgDest, first[0].Destination)

	second := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "hello", RequestID: "r1"}), dests)
	require.Len(t, second, 1)
	assert.Equal(t, ActionEdit, second[0].Kind)
	assert.Equal(t, first[0].MessageID, second[0].MessageID, "assistant reply joins the user's message")
	assert.Equal(t, "> hi\n\nhello", second[0].Text)

	third := tr.Track(ctx, added(transcript.Block{ID: 3, Type: transcript.BlockDuration, DurationMs: 1234}), dests)
	require.Len(t, third, 1)
	assert.Equal(t, ActionEdit, third[0].Kind)
	assert.Equal(t, first[0].MessageID, third[0].MessageID)
	assert.Equal(t, "> hi\n\nhello\n\n⏱ 1s", third[0].Text)

	// The duration froze the turn: the next block opens a new message.
	fourth := tr.Track(ctx, added(transcript.Block{ID: 4, Type: transcript.BlockUser, Text: "more"}), dests)
	require.Len(t, fourth, 1)
	assert.Equal(t, ActionSend, fourth[0].Kind)
	assert.NotEqual(t, first[0].MessageID, fourth[0].MessageID)
}

func TestTracker_RequestBoundary(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	first := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "one", RequestID: "rA"}), dests)
	require.Len(t, first, 1)
	require.Equal(t, ActionSend, first[0].Kind)

	second := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "two", RequestID: "rB"}), dests)
	require.Len(t, second, 1)
	assert.Equal(t, ActionSend, second[0].Kind, "a differing request id starts a new message")
	assert.NotEqual(t, first[0].MessageID, second[0].MessageID)
	assert.Equal(t, "two", second[0].Text)
}

func TestTracker_ToolCallLifecycle(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "searching", RequestID: "r1"}), dests)
	call := tr.Track(ctx, added(transcript.Block{
		ID: 2, Type: transcript.BlockToolCall, RequestID: "r1",
		ToolName: "Grep", ToolUseID: "t1", Label: "Grep: foo",
	}), dests)
	require.Len(t, call, 1)
	assert.Equal(t, ActionEdit, call[0].Kind)
	assert.Equal(t, "searching\n◌ Grep: foo", call[0].Text)

	done := tr.Track(ctx, updated(transcript.Block{
		ID: 2, Type: transcript.BlockToolCall, RequestID: "r1",
		ToolName: "Grep", ToolUseID: "t1", Label: "Grep: foo", Result: "3 matches",
	}), dests)
	require.Len(t, done, 1)
	assert.Equal(t, ActionEdit, done[0].Kind)
	assert.Equal(t, "searching\n✓ Grep: foo\n  3 matches", done[0].Text)
}

func TestTracker_EditIdempotence(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	b := transcript.Block{ID: 1, Type: transcript.BlockToolCall, Label: "Bash: make", RequestID: "r1"}
	first := tr.Track(ctx, added(b), dests)
	require.Len(t, first, 1)

	again := tr.Track(ctx, updated(b), dests)
	assert.Empty(t, again, "an update that does not change the text emits nothing")
}

func TestTracker_ClearAllFreezes(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	open := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "before", RequestID: "rA"}), dests)
	require.Len(t, open, 1)

	cleared := tr.Track(ctx, transcript.Event{Kind: transcript.EventClearAll}, dests)
	assert.Empty(t, cleared, "clearing freezes the turn without an edit")

	stale := tr.Track(ctx, updated(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "changed", RequestID: "rA"}), dests)
	assert.Empty(t, stale, "frozen turns are never edited")

	fresh := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "after", RequestID: "rB"}), dests)
	require.Len(t, fresh, 1)
	assert.Equal(t, ActionSend, fresh[0].Kind)
	assert.NotEqual(t, open[0].MessageID, fresh[0].MessageID)
}

func TestTracker_NoEditsAfterDuration(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockToolCall, Label: "Bash: make", RequestID: "r1"}), dests)
	tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockDuration, DurationMs: 900}), dests)

	late := tr.Track(ctx, updated(transcript.Block{ID: 1, Type: transcript.BlockToolCall, Label: "Bash: make", Result: "ok", RequestID: "r1"}), dests)
	assert.Empty(t, late, "result landing after the turn closed stays unpublished")
}

func TestTracker_IdleFinalize(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	open := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "working", RequestID: "r1"}), dests)
	require.Len(t, open, 1)

	tr.FinalizeIdle(ctx)

	next := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "resumed", RequestID: "r1"}), dests)
	require.Len(t, next, 1)
	assert.Equal(t, ActionSend, next[0].Kind, "the idle-finalized turn stays frozen even for the same request id")
	assert.NotEqual(t, open[0].MessageID, next[0].MessageID)
}

func TestTracker_SnapshotRoundTrip(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	open := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "working", RequestID: "r1"}), dests)
	require.Len(t, open, 1)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, tgDest.Key(), snap[0].Destination)
	assert.Equal(t, "r1", snap[0].TurnID)
	assert.Equal(t, open[0].MessageID, snap[0].MessageID)
	assert.NotZero(t, snap[0].TextHash)

	// A restored turn is frozen right away: its message cannot be re-rendered
	// in full, so a continuation of the same request opens a fresh one.
	restored := NewTracker("s1", nil, newTestLogger(t))
	restored.Restore(ctx, snap)
	assert.Empty(t, restored.Snapshot(), "restored turns are closed, not open")

	next := restored.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "resumed", RequestID: "r1"}), dests)
	require.Len(t, next, 1)
	assert.Equal(t, ActionSend, next[0].Kind)
	assert.NotEqual(t, open[0].MessageID, next[0].MessageID)
}

func TestTracker_RestoreNotifiesFinalize(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var finalized atomic.Int32
	_, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(events.TurnFinalized), func(ctx context.Context, ev *bus.Event) error {
		finalized.Add(1)
		return nil
	})
	require.NoError(t, err)

	tr := NewTracker("s1", eventBus, log)
	tr.Restore(context.Background(), []TurnState{
		{Destination: tgDest.Key(), TurnID: "r1", MessageID: "m1", TextHash: 7},
	})

	require.Eventually(t, func() bool { return finalized.Load() == 1 },
		2*time.Second, 10*time.Millisecond, "the dangling turn left by the previous run must close")
}

func TestTracker_OrphanSystemBlock(t *testing.T) {
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	t.Run("joins the open turn", func(t *testing.T) {
		tr := NewTracker("s1", nil, newTestLogger(t))
		open := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"}), dests)
		require.Len(t, open, 1)

		orphan := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockSystem, Text: "leftover"}), dests)
		require.Len(t, orphan, 1)
		assert.Equal(t, ActionEdit, orphan[0].Kind)
		assert.Equal(t, open[0].MessageID, orphan[0].MessageID)
	})

	t.Run("starts its own turn otherwise", func(t *testing.T) {
		tr := NewTracker("s1", nil, newTestLogger(t))
		orphan := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockSystem, Text: "leftover"}), dests)
		require.Len(t, orphan, 1)
		assert.Equal(t, ActionSend, orphan[0].Kind)
		assert.Equal(t, "leftover", orphan[0].Text)
	})
}

func TestTracker_MultipleDestinations(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest, slDest}

	actions := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"}), dests)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionSend, actions[0].Kind)
	assert.Equal(t, ActionSend, actions[1].Kind)
	assert.NotEqual(t, actions[0].MessageID, actions[1].MessageID, "each destination owns its message")
	assert.NotEqual(t, actions[0].Destination, actions[1].Destination)
}

func TestTracker_DetachedDestinationDropped(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()

	both := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockUser, Text: "hi"}), []models.Destination{tgDest, slDest})
	require.Len(t, both, 2)

	only := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockSystem, Text: "note"}), []models.Destination{tgDest})
	require.Len(t, only, 1)
	assert.Equal(t, tgDest, only[0].Destination)

	// Reattaching starts from a clean slate: new message, not an edit of the
	// dropped state.
	back := tr.Track(ctx, added(transcript.Block{ID: 3, Type: transcript.BlockSystem, Text: "again"}), []models.Destination{tgDest, slDest})
	require.Len(t, back, 2)
	for _, a := range back {
		if a.Destination == slDest {
			assert.Equal(t, ActionSend, a.Kind)
		}
	}
}

func TestTracker_EmptyRenderDefersSend(t *testing.T) {
	tr := NewTracker("s1", nil, newTestLogger(t))
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	none := tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockThinking, Text: "", RequestID: "r1"}), dests)
	assert.Empty(t, none, "a turn that renders empty sends nothing yet")

	send := tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "now", RequestID: "r1"}), dests)
	require.Len(t, send, 1)
	assert.Equal(t, ActionSend, send[0].Kind, "the first non-empty render is still a send")
}

func TestTracker_PublishesTurnLifecycle(t *testing.T) {
	log := newTestLogger(t)
	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	var started, finalized atomic.Int32
	_, err := eventBus.Subscribe(events.BuildSessionWildcardSubject(events.TurnStarted), func(ctx context.Context, ev *bus.Event) error {
		started.Add(1)
		return nil
	})
	require.NoError(t, err)
	_, err = eventBus.Subscribe(events.BuildSessionWildcardSubject(events.TurnFinalized), func(ctx context.Context, ev *bus.Event) error {
		finalized.Add(1)
		return nil
	})
	require.NoError(t, err)

	tr := NewTracker("s1", eventBus, log)
	ctx := context.Background()
	dests := []models.Destination{tgDest}

	tr.Track(ctx, added(transcript.Block{ID: 1, Type: transcript.BlockAssistant, Text: "one", RequestID: "rA"}), dests)
	tr.Track(ctx, added(transcript.Block{ID: 2, Type: transcript.BlockAssistant, Text: "two", RequestID: "rB"}), dests)
	tr.FinalizeIdle(ctx)

	require.Eventually(t, func() bool {
		return started.Load() == 2 && finalized.Load() == 2
	}, 2*time.Second, 10*time.Millisecond)
}
