package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/NickB03/vana/core"
	"github.com/NickB03/vana/logging"
)

const (
	defaultRingCapacity      = 256
	defaultSubscriberBuffer  = 64
	defaultHeartbeatInterval = 25 * time.Second
	defaultIdleTimeout       = 2 * time.Minute
	defaultMaxReplay         = 1000

	// catchUpRounds bounds the store-then-ring catch-up loop in Subscribe.
	catchUpRounds = 10
)

// Options tunes broadcaster behavior.
type Options struct {
	// RingCapacity is the per-session replay buffer size in events.
	RingCapacity int
	// SubscriberBuffer is each subscriber's channel capacity. A subscriber
	// whose buffer fills is dropped.
	SubscriberBuffer int
	// HeartbeatInterval paces transient heartbeat events to subscribers and
	// doubles as the idle-teardown check interval.
	HeartbeatInterval time.Duration
	// IdleTimeout is how long a hub with no subscribers survives before the
	// registry tears it down.
	IdleTimeout time.Duration
	// MaxReplay bounds catch-up delivery for one Subscribe call.
	MaxReplay int
	// Logger receives structured diagnostics.
	Logger logging.Logger
}

// Broadcaster is the per-session pub/sub registry. See the package docs for
// the delivery and durability guarantees.
type Broadcaster struct {
	store core.SessionStore
	opts  Options

	mu     sync.Mutex
	hubs   map[string]*hub
	closed bool
}

// Subscription is one attached consumer of a session's event stream. The
// Events channel is closed when the subscriber is dropped, unsubscribed, or
// the broadcaster shuts down.
type Subscription struct {
	ID        string
	SessionID string

	// floor is the highest event ID already handed to this subscriber via
	// replay; deliver skips persisted events at or below it.
	floor int64

	ch        chan core.Event
	closeOnce sync.Once
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan core.Event { return s.ch }

func (s *Subscription) close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Attachment is the result of Subscribe: buffered events to replay first,
// then the live subscription. When Truncated is set the replay hit the
// MaxReplay bound and Sub is nil; the caller delivers the partial replay and
// lets the client reconnect with its advanced cursor.
type Attachment struct {
	Replay    []core.Event
	Sub       *Subscription
	Truncated bool
}

// New constructs a Broadcaster over the given store.
func New(store core.SessionStore, optFns ...func(o *Options)) *Broadcaster {
	opts := Options{
		RingCapacity:      defaultRingCapacity,
		SubscriberBuffer:  defaultSubscriberBuffer,
		HeartbeatInterval: defaultHeartbeatInterval,
		IdleTimeout:       defaultIdleTimeout,
		MaxReplay:         defaultMaxReplay,
		Logger:            logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Broadcaster{store: store, opts: opts, hubs: make(map[string]*hub)}
}

// hub owns one session's ring buffer and subscriber set.
type hub struct {
	sessionID string
	b         *Broadcaster

	// pubMu serializes append-plus-fan-out per session, so events reach
	// subscriber channels in the same order the store assigned their IDs.
	pubMu sync.Mutex

	mu         sync.Mutex
	ring       *ring
	subs       map[string]*Subscription
	lastActive time.Time

	done chan struct{}
}

// getOrCreateHub returns the session's hub, creating it (ring based at tail)
// and starting its heartbeat goroutine on first use.
func (b *Broadcaster) getOrCreateHub(sessionID string, tail int64) *hub {
	b.mu.Lock()
	defer b.mu.Unlock()

	if h, ok := b.hubs[sessionID]; ok {
		return h
	}
	h := &hub{
		sessionID:  sessionID,
		b:          b,
		ring:       newRing(b.opts.RingCapacity, tail),
		subs:       make(map[string]*Subscription),
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	b.hubs[sessionID] = h
	activeHubs.Inc()
	go h.run()
	return h
}

func (b *Broadcaster) removeHub(h *hub) {
	b.mu.Lock()
	if cur, ok := b.hubs[h.sessionID]; ok && cur == h {
		delete(b.hubs, h.sessionID)
		activeHubs.Dec()
	}
	b.mu.Unlock()

	close(h.done)
	h.mu.Lock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		sub.close()
		activeSubscribers.Dec()
	}
	h.mu.Unlock()
}

// Publish durably appends the event, then fans it out to all subscribers in
// publish order. Transient storage failures are retried with exponential
// backoff before surfacing. Implements core.Publisher.
func (b *Broadcaster) Publish(ctx context.Context, sessionID string, typ core.EventType, payload any) (core.Event, error) {
	return b.publish(ctx, sessionID, typ, func(ctx context.Context) (core.Event, error) {
		return b.store.AppendEvent(ctx, sessionID, typ, payload)
	})
}

// PublishTerminal appends the event and transitions the session state in one
// store write, then fans out like Publish. Implements core.Publisher.
func (b *Broadcaster) PublishTerminal(ctx context.Context, sessionID string, typ core.EventType, payload any, state core.SessionState) (core.Event, error) {
	return b.publish(ctx, sessionID, typ, func(ctx context.Context) (core.Event, error) {
		return b.store.AppendEventWithState(ctx, sessionID, typ, payload, state)
	})
}

func (b *Broadcaster) publish(ctx context.Context, sessionID string, typ core.EventType, appendFn func(ctx context.Context) (core.Event, error)) (core.Event, error) {
	h, err := b.hubFor(ctx, sessionID)
	if err != nil {
		return core.Event{}, fmt.Errorf("publish %s: %w", typ, err)
	}

	// ID assignment and fan-out form one critical section per session, so a
	// publisher preempted between the append committing and the fan-out cannot
	// let a later event overtake it on subscriber channels.
	h.pubMu.Lock()
	defer h.pubMu.Unlock()

	var ev core.Event
	appendOnce := func() error {
		var err error
		ev, err = appendFn(ctx)
		if err != nil && !errors.Is(err, core.ErrStorageUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxElapsedTime(5*time.Second),
	), ctx)
	if err := backoff.Retry(appendOnce, bo); err != nil {
		return core.Event{}, fmt.Errorf("publish %s: %w", typ, err)
	}

	h.deliver(ev)
	eventsPublished.WithLabelValues(string(typ)).Inc()
	return ev, nil
}

// hubFor returns the session's hub, reading the log tail from the store only
// when the hub must be created.
func (b *Broadcaster) hubFor(ctx context.Context, sessionID string) (*hub, error) {
	b.mu.Lock()
	h, ok := b.hubs[sessionID]
	b.mu.Unlock()
	if ok {
		return h, nil
	}
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return b.getOrCreateHub(sessionID, sess.LastEventID), nil
}

// deliver writes the event into the ring and every subscriber channel,
// dropping subscribers that cannot keep up.
func (h *hub) deliver(ev core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !ev.Transient() {
		h.ring.write(ev)
	}
	h.lastActive = time.Now()

	for id, sub := range h.subs {
		if !ev.Transient() && ev.ID <= sub.floor {
			// Already handed over during this subscriber's replay.
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer: isolate it rather than blocking the session.
			delete(h.subs, id)
			sub.close()
			subscribersDropped.Inc()
			activeSubscribers.Dec()
			h.b.opts.Logger.Warn("dropped slow subscriber %s session_id=%s", id, h.sessionID)
		}
	}
}

// run paces heartbeats while subscribers are attached and tears the hub down
// after the idle timeout once they are gone.
func (h *hub) run() {
	ticker := time.NewTicker(h.b.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			idle := len(h.subs) == 0 && time.Since(h.lastActive) > h.b.opts.IdleTimeout
			beat := len(h.subs) > 0
			h.mu.Unlock()

			if idle {
				h.b.removeHub(h)
				return
			}
			if beat {
				h.deliver(core.NewHeartbeatEvent(h.sessionID))
			}
		}
	}
}

// Subscribe attaches a consumer to the session stream. cursor is the last
// event ID the client has seen; pass Live (-1) to skip replay and receive
// only new events. Replayed and live delivery together are gap-free and
// duplicate-free: the ring tail is read under the same lock that registers
// the subscriber.
func (b *Broadcaster) Subscribe(ctx context.Context, sessionID string, cursor int64) (*Attachment, error) {
	sess, err := b.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.Streamable() {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrSessionExpired)
	}
	if cursor > sess.LastEventID {
		return nil, fmt.Errorf("cursor %d past tail %d: %w", cursor, sess.LastEventID, core.ErrInvalidCursor)
	}
	if cursor == Live {
		cursor = sess.LastEventID
	}

	h := b.getOrCreateHub(sessionID, sess.LastEventID)

	var replay []core.Event
	for round := 0; round < catchUpRounds; round++ {
		h.mu.Lock()
		if h.ring.covers(cursor) {
			tail := h.ring.since(cursor)
			if len(replay)+len(tail) > b.opts.MaxReplay {
				h.mu.Unlock()
				replay = append(replay, tail...)
				return &Attachment{Replay: replay[:b.opts.MaxReplay], Truncated: true}, nil
			}
			replay = append(replay, tail...)
			floor := cursor
			if n := len(replay); n > 0 {
				floor = replay[n-1].ID
			}
			sub := &Subscription{
				ID:        uuid.NewString(),
				SessionID: sessionID,
				floor:     floor,
				ch:        make(chan core.Event, b.opts.SubscriberBuffer),
			}
			h.subs[sub.ID] = sub
			h.lastActive = time.Now()
			h.mu.Unlock()
			activeSubscribers.Inc()
			return &Attachment{Replay: replay, Sub: sub}, nil
		}
		h.mu.Unlock()

		// Cursor is behind the ring; page the gap out of the store and try
		// again. Publishes during the fetch only grow the ring tail, so each
		// round makes progress toward coverage.
		batch, err := b.store.EventsSince(ctx, sessionID, cursor, b.opts.MaxReplay-len(replay))
		if err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			replay = append(replay, batch...)
			cursor = batch[len(batch)-1].ID
		}
		if len(replay) >= b.opts.MaxReplay {
			return &Attachment{Replay: replay, Truncated: true}, nil
		}
	}
	// The publisher outpaced catch-up; hand back what we have and let the
	// client reconnect closer to the tail.
	return &Attachment{Replay: replay, Truncated: true}, nil
}

// Live subscribes from the current tail with no replay.
const Live int64 = -1

// Unsubscribe detaches and closes a subscription. Safe to call for
// subscriptions already dropped.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	h, ok := b.hubs[sub.SessionID]
	b.mu.Unlock()
	if !ok {
		sub.close()
		return
	}
	h.mu.Lock()
	if _, attached := h.subs[sub.ID]; attached {
		delete(h.subs, sub.ID)
		activeSubscribers.Dec()
	}
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount reports how many consumers are attached to the session.
func (b *Broadcaster) SubscriberCount(sessionID string) int {
	b.mu.Lock()
	h, ok := b.hubs[sessionID]
	b.mu.Unlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close tears down every hub and closes all subscriptions.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	hubs := make([]*hub, 0, len(b.hubs))
	for _, h := range b.hubs {
		hubs = append(hubs, h)
	}
	b.mu.Unlock()

	for _, h := range hubs {
		b.removeHub(h)
	}
}
