package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NickB03/vana/core"
)

// MemoryStore is a volatile core.SessionStore implementation storing sessions
// in a process local map. It is safe for concurrent access and best suited
// for tests or ephemeral demo servers. Each returned session is cloned to
// prevent external mutation of internal state.
//
// Appends and mutations are serialized per session by a per-record mutex, so
// event IDs stay gap-free under concurrent producers without a global lock.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*memSession
}

type memSession struct {
	mu     sync.Mutex
	sess   *core.Session
	events []core.Event
}

// NewMemoryStore constructs an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*memSession)}
}

// Create allocates a new session in the idle state.
func (s *MemoryStore) Create(_ context.Context, userID string, metadata map[string]string) (*core.Session, error) {
	now := time.Now().UTC()
	sess := &core.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     core.SessionIdle,
		Metadata:  map[string]string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	for k, v := range metadata {
		sess.Metadata[k] = v
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &memSession{sess: sess}
	s.mu.Unlock()

	return sess.Clone(), nil
}

func (s *MemoryStore) record(sessionID string) (*memSession, error) {
	s.mu.RLock()
	rec, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, core.ErrSessionNotFound)
	}
	return rec, nil
}

// Get returns a clone of an existing session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*core.Session, error) {
	rec, err := s.record(sessionID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.sess.Clone(), nil
}

// Update applies an atomic read-modify-write to the session record. The
// mutator sees a clone; its changes are committed only when it returns nil.
// LastEventID stays store-owned and cannot be rewound by mutators.
func (s *MemoryStore) Update(_ context.Context, sessionID string, mutate func(*core.Session) error) (*core.Session, error) {
	rec, err := s.record(sessionID)
	if err != nil {
		return nil, err
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()

	next := rec.sess.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.ID = rec.sess.ID
	next.CreatedAt = rec.sess.CreatedAt
	next.LastEventID = rec.sess.LastEventID
	next.UpdatedAt = time.Now().UTC()
	rec.sess = next

	return next.Clone(), nil
}

// AppendEvent assigns the next event ID and appends to the session log.
func (s *MemoryStore) AppendEvent(_ context.Context, sessionID string, typ core.EventType, payload any) (core.Event, error) {
	return s.append(sessionID, typ, payload, nil)
}

// AppendEventWithState appends the event and transitions the session state
// under the same record lock, so no reader observes the event beside a stale
// state.
func (s *MemoryStore) AppendEventWithState(_ context.Context, sessionID string, typ core.EventType, payload any, state core.SessionState) (core.Event, error) {
	return s.append(sessionID, typ, payload, &state)
}

func (s *MemoryStore) append(sessionID string, typ core.EventType, payload any, state *core.SessionState) (core.Event, error) {
	rec, err := s.record(sessionID)
	if err != nil {
		return core.Event{}, err
	}

	raw, err := core.MarshalPayload(payload)
	if err != nil {
		return core.Event{}, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	ev := core.Event{
		ID:        rec.sess.LastEventID + 1,
		SessionID: sessionID,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	rec.events = append(rec.events, ev)
	rec.sess.LastEventID = ev.ID
	if state != nil {
		rec.sess.State = *state
	}
	rec.sess.UpdatedAt = ev.Timestamp

	return ev, nil
}

// EventsSince returns persisted events with ID > cursor in ID order, at most
// limit when limit > 0.
func (s *MemoryStore) EventsSince(_ context.Context, sessionID string, cursor int64, limit int) ([]core.Event, error) {
	rec, err := s.record(sessionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	idx := sort.Search(len(rec.events), func(i int) bool { return rec.events[i].ID > cursor })
	tail := rec.events[idx:]
	if limit > 0 && len(tail) > limit {
		tail = tail[:limit]
	}
	out := make([]core.Event, len(tail))
	copy(out, tail)
	return out, nil
}

// Backup snapshots the session record and its full event log.
func (s *MemoryStore) Backup(_ context.Context, sessionID string) (*core.Snapshot, error) {
	rec, err := s.record(sessionID)
	if err != nil {
		return nil, err
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	events := make([]core.Event, len(rec.events))
	copy(events, rec.events)
	return &core.Snapshot{Session: rec.sess.Clone(), Events: events}, nil
}

// Restore reinstates a snapshot, replacing any existing record with the same
// session ID. The restored log is what broadcast hubs rebuild replay from.
func (s *MemoryStore) Restore(_ context.Context, snap *core.Snapshot) (*core.Session, error) {
	if snap == nil || snap.Session == nil {
		return nil, fmt.Errorf("restore: empty snapshot")
	}

	sess := snap.Session.Clone()
	events := make([]core.Event, len(snap.Events))
	copy(events, snap.Events)
	if n := len(events); n > 0 {
		sess.LastEventID = events[n-1].ID
	}

	s.mu.Lock()
	s.sessions[sess.ID] = &memSession{sess: sess, events: events}
	s.mu.Unlock()

	return sess.Clone(), nil
}

// ExpireIdle transitions sessions that have been untouched since the cutoff
// into the expired state. Active sessions (run in flight) are never expired.
// Returns the number of sessions expired.
func (s *MemoryStore) ExpireIdle(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.RLock()
	recs := make([]*memSession, 0, len(s.sessions))
	for _, rec := range s.sessions {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	expired := 0
	for _, rec := range recs {
		rec.mu.Lock()
		if rec.sess.State != core.SessionActive && rec.sess.State != core.SessionExpired && rec.sess.UpdatedAt.Before(cutoff) {
			rec.sess.State = core.SessionExpired
			rec.sess.UpdatedAt = time.Now().UTC()
			expired++
		}
		rec.mu.Unlock()
	}
	return expired, nil
}
