package broadcast

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/internal/testutil"
	"github.com/NickB03/vana/session"
)

// Interface compliance (compile-time assertion).
var _ core.Publisher = (*Broadcaster)(nil)

func newTestBroadcaster(t *testing.T, optFns ...func(o *Options)) (*Broadcaster, *session.MemoryStore, string) {
	t.Helper()
	store := session.NewMemoryStore()
	sess, err := store.Create(context.Background(), "user-1", nil)
	require.NoError(t, err)

	b := New(store, optFns...)
	t.Cleanup(b.Close)
	return b, store, sess.ID
}

func recvEvent(t *testing.T, ch <-chan core.Event) core.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return core.Event{}
	}
}

func TestBroadcaster_PublishDurableBeforeVisible(t *testing.T) {
	ctx := context.Background()
	b, store, sid := newTestBroadcaster(t)

	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(att.Sub)

	ev, err := b.Publish(ctx, sid, core.EventAgentStart, core.AgentStartPayload{AgentName: "a"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)

	// The event a subscriber sees is already in the store.
	got := recvEvent(t, att.Sub.Events())
	assert.Equal(t, ev.ID, got.ID)

	persisted, err := store.EventsSince(ctx, sid, 0, 0)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, ev.ID, persisted[0].ID)
}

func TestBroadcaster_DeliveryOrderMatchesPublishOrder(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t)

	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(att.Sub)

	for i := 0; i < 10; i++ {
		_, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
		require.NoError(t, err)
	}
	for want := int64(1); want <= 10; want++ {
		assert.Equal(t, want, recvEvent(t, att.Sub.Events()).ID)
	}
}

// jitterStore widens the window between an append committing and its fan-out
// by stalling briefly after each append.
type jitterStore struct {
	core.SessionStore
}

func (j *jitterStore) AppendEvent(ctx context.Context, sessionID string, typ core.EventType, payload any) (core.Event, error) {
	ev, err := j.SessionStore.AppendEvent(ctx, sessionID, typ, payload)
	time.Sleep(time.Duration(rand.Intn(300)) * time.Microsecond)
	return ev, err
}

func TestBroadcaster_ConcurrentPublishersDeliverInOrder(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	sess, err := store.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	b := New(&jitterStore{SessionStore: store}, func(o *Options) {
		o.SubscriberBuffer = 1024
	})
	defer b.Close()

	att, err := b.Subscribe(ctx, sess.ID, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(att.Sub)

	const publishers = 4
	const perPublisher = 100
	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				_, err := b.Publish(ctx, sess.ID, core.EventAgentProgress, nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	// Every event arrives exactly once, in the order the store assigned IDs.
	prev := int64(0)
	for i := 0; i < publishers*perPublisher; i++ {
		ev := recvEvent(t, att.Sub.Events())
		require.Equal(t, prev+1, ev.ID, "delivery must be gap-free and in ID order")
		prev = ev.ID
	}
}

func TestBroadcaster_PublishTerminalSetsStateWithEvent(t *testing.T) {
	ctx := context.Background()
	b, store, sid := newTestBroadcaster(t)

	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(att.Sub)

	ev, err := b.PublishTerminal(ctx, sid, core.EventPipelineComplete,
		core.PipelineCompletePayload{Summary: "done"}, core.SessionCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)

	got := recvEvent(t, att.Sub.Events())
	assert.Equal(t, core.EventPipelineComplete, got.Type)

	sess, err := store.Get(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, core.SessionCompleted, sess.State)
	assert.Equal(t, ev.ID, sess.LastEventID)
}

func TestBroadcaster_SubscribeReplaysFromCursor(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t)

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
		require.NoError(t, err)
	}

	att, err := b.Subscribe(ctx, sid, 2)
	require.NoError(t, err)
	require.NotNil(t, att.Sub)
	defer b.Unsubscribe(att.Sub)

	require.Len(t, att.Replay, 3)
	assert.Equal(t, int64(3), att.Replay[0].ID)
	assert.Equal(t, int64(5), att.Replay[2].ID)

	// Live delivery continues seamlessly after replay.
	ev, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, ev.ID, recvEvent(t, att.Sub.Events()).ID)
}

func TestBroadcaster_ReplayIdempotent(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t)

	for i := 0; i < 4; i++ {
		_, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
		require.NoError(t, err)
	}

	first, err := b.Subscribe(ctx, sid, 0)
	require.NoError(t, err)
	b.Unsubscribe(first.Sub)

	second, err := b.Subscribe(ctx, sid, 0)
	require.NoError(t, err)
	b.Unsubscribe(second.Sub)

	require.Equal(t, len(first.Replay), len(second.Replay))
	for i := range first.Replay {
		assert.Equal(t, first.Replay[i].ID, second.Replay[i].ID)
	}
}

func TestBroadcaster_ReplayFromStoreWhenRingCold(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()

	// Seed the log directly; no hub exists yet, so the ring cannot cover the
	// cursor and Subscribe must page from the store.
	sess := testutil.NewSessionBuilder(store).Events(6).Create(t)

	b := New(store)
	defer b.Close()

	att, err := b.Subscribe(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.NotNil(t, att.Sub)
	defer b.Unsubscribe(att.Sub)
	require.Len(t, att.Replay, 6)
	assert.Equal(t, int64(1), att.Replay[0].ID)
	assert.Equal(t, int64(6), att.Replay[5].ID)
}

func TestBroadcaster_SubscribeRejects(t *testing.T) {
	ctx := context.Background()
	b, store, sid := newTestBroadcaster(t)

	_, err := b.Subscribe(ctx, "missing", Live)
	assert.ErrorIs(t, err, core.ErrSessionNotFound)

	_, err = b.Subscribe(ctx, sid, 99)
	assert.ErrorIs(t, err, core.ErrInvalidCursor)

	_, err = store.Update(ctx, sid, func(s *core.Session) error {
		s.State = core.SessionExpired
		return nil
	})
	require.NoError(t, err)
	_, err = b.Subscribe(ctx, sid, Live)
	assert.ErrorIs(t, err, core.ErrSessionExpired)
}

func TestBroadcaster_SlowConsumerDropped(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t, func(o *Options) {
		o.SubscriberBuffer = 2
	})

	slow, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	healthy, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(healthy.Sub)

	// Drain only the healthy subscriber; the slow one overflows its two-slot
	// buffer on the third publish and gets dropped.
	for want := int64(1); want <= 3; want++ {
		_, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
		require.NoError(t, err)
		assert.Equal(t, want, recvEvent(t, healthy.Sub.Events()).ID)
	}

	drained := 0
	for range slow.Sub.Events() {
		drained++
	}
	assert.Equal(t, 2, drained, "slow subscriber keeps its buffered events, then the channel closes")

	// The healthy subscriber and the publisher are unaffected.
	_, err = b.Publish(ctx, sid, core.EventAgentProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(4), recvEvent(t, healthy.Sub.Events()).ID)
}

func TestBroadcaster_TruncatedReplay(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t, func(o *Options) {
		o.MaxReplay = 2
	})

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, sid, core.EventAgentProgress, nil)
		require.NoError(t, err)
	}

	att, err := b.Subscribe(ctx, sid, 0)
	require.NoError(t, err)
	assert.True(t, att.Truncated)
	assert.Nil(t, att.Sub)
	require.Len(t, att.Replay, 2)

	// Resuming from the advanced cursor eventually reaches the tail.
	att2, err := b.Subscribe(ctx, sid, att.Replay[1].ID)
	require.NoError(t, err)
	assert.True(t, att2.Truncated)
	require.Len(t, att2.Replay, 2)
	assert.Equal(t, int64(4), att2.Replay[1].ID)

	att3, err := b.Subscribe(ctx, sid, att2.Replay[1].ID)
	require.NoError(t, err)
	assert.False(t, att3.Truncated)
	require.NotNil(t, att3.Sub)
	b.Unsubscribe(att3.Sub)
	require.Len(t, att3.Replay, 1)
	assert.Equal(t, int64(5), att3.Replay[0].ID)
}

func TestBroadcaster_HeartbeatReachesSubscribers(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
	})

	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	defer b.Unsubscribe(att.Sub)

	ev := recvEvent(t, att.Sub.Events())
	assert.Equal(t, core.EventHeartbeat, ev.Type)
	assert.True(t, ev.Transient())
}

func TestBroadcaster_IdleHubTornDown(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t, func(o *Options) {
		o.HeartbeatInterval = 5 * time.Millisecond
		o.IdleTimeout = 10 * time.Millisecond
	})

	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	b.Unsubscribe(att.Sub)

	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.hubs) == 0
	}, 2*time.Second, 10*time.Millisecond, "idle hub should be removed")

	// A fresh subscribe recreates the hub transparently.
	att2, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	b.Unsubscribe(att2.Sub)
}

func TestBroadcaster_SubscriberCount(t *testing.T) {
	ctx := context.Background()
	b, _, sid := newTestBroadcaster(t)

	assert.Zero(t, b.SubscriberCount(sid))
	att, err := b.Subscribe(ctx, sid, Live)
	require.NoError(t, err)
	assert.Equal(t, 1, b.SubscriberCount(sid))
	b.Unsubscribe(att.Sub)
	assert.Zero(t, b.SubscriberCount(sid))

	// Unsubscribe closes the channel exactly once; double calls are safe.
	b.Unsubscribe(att.Sub)
	_, open := <-att.Sub.Events()
	assert.False(t, open)
}

// flakyStore fails the first n appends with ErrStorageUnavailable.
type flakyStore struct {
	core.SessionStore
	failures atomic.Int32
}

func (f *flakyStore) AppendEvent(ctx context.Context, sessionID string, typ core.EventType, payload any) (core.Event, error) {
	if f.failures.Add(-1) >= 0 {
		return core.Event{}, core.ErrStorageUnavailable
	}
	return f.SessionStore.AppendEvent(ctx, sessionID, typ, payload)
}

func TestBroadcaster_PublishRetriesTransientStorageErrors(t *testing.T) {
	ctx := context.Background()
	store := session.NewMemoryStore()
	sess, err := store.Create(ctx, "user-1", nil)
	require.NoError(t, err)

	flaky := &flakyStore{SessionStore: store}
	flaky.failures.Store(2)

	b := New(flaky)
	defer b.Close()

	ev, err := b.Publish(ctx, sess.ID, core.EventAgentProgress, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), ev.ID)
}
