package core

import (
	"context"
	"time"
)

// SessionState enumerates the lifecycle states of a session.
type SessionState string

const (
	// SessionActive means a pipeline run is in flight.
	SessionActive SessionState = "active"
	// SessionIdle means the session exists with no run in flight.
	SessionIdle SessionState = "idle"
	// SessionCompleted means the last run finished successfully.
	SessionCompleted SessionState = "completed"
	// SessionFailed means the last run aborted with a pipeline error.
	SessionFailed SessionState = "failed"
	// SessionExpired means the session was reaped and can no longer stream.
	SessionExpired SessionState = "expired"
)

// Session is the durable metadata record for one conversation. The event log
// itself lives beside it in the SessionStore, keyed (session_id, event_id).
// ID is immutable once assigned; LastEventID tracks the log tail and is the
// upper bound for valid resume cursors.
type Session struct {
	ID          string            `json:"session_id"`
	UserID      string            `json:"user_id"`
	State       SessionState      `json:"state"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastEventID int64             `json:"last_event_id"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Clone returns a deep copy safe for independent mutation.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Metadata = make(map[string]string, len(s.Metadata))
	for k, v := range s.Metadata {
		clone.Metadata[k] = v
	}
	return &clone
}

// Streamable reports whether new connections may attach to the session.
func (s *Session) Streamable() bool { return s.State != SessionExpired }

// Snapshot is a point-in-time backup of one session: its metadata record plus
// the full persisted event log. Restoring a snapshot reconstructs the store
// state, from which a broadcast hub rebuilds its replay buffer.
type Snapshot struct {
	Session *Session `json:"session"`
	Events  []Event  `json:"events"`
}

// SessionStore persists sessions and their append-only event logs.
//
// AppendEvent assigns the next per-session event ID and must be serialized
// per session (not globally) with respect to concurrent appends.
// AppendEventWithState does the same and additionally transitions the
// session state in the same atomic step, so terminal pipeline events and
// their state change land together: no reader observes one without the
// other. Update is an atomic read-modify-write; implementations return
// ErrConflict when a concurrent mutation wins, and callers retry.
// EventsSince returns persisted events with ID > cursor in ID order, at most
// limit (limit <= 0 means no bound).
type SessionStore interface {
	Create(ctx context.Context, userID string, metadata map[string]string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Update(ctx context.Context, sessionID string, mutate func(*Session) error) (*Session, error)
	AppendEvent(ctx context.Context, sessionID string, typ EventType, payload any) (Event, error)
	AppendEventWithState(ctx context.Context, sessionID string, typ EventType, payload any, state SessionState) (Event, error)
	EventsSince(ctx context.Context, sessionID string, cursor int64, limit int) ([]Event, error)
	Backup(ctx context.Context, sessionID string) (*Snapshot, error)
	Restore(ctx context.Context, snap *Snapshot) (*Session, error)
}

// Publisher is the write side of the per-session fan-out hub. Publish
// durably appends the event (assigning its ID) before any subscriber sees
// it, then delivers to all current subscribers in publish order.
// PublishTerminal is Publish with the session state transition folded into
// the same durable write; dispatchers use it for pipeline_complete and
// pipeline_error.
type Publisher interface {
	Publish(ctx context.Context, sessionID string, typ EventType, payload any) (Event, error)
	PublishTerminal(ctx context.Context, sessionID string, typ EventType, payload any, state SessionState) (Event, error)
}
