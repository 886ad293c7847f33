package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/NickB03/vana/core"
)

const createSessionsSchemaSQL = `
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(255) PRIMARY KEY,
    user_id VARCHAR(255) NOT NULL,
    state VARCHAR(32) NOT NULL,
    metadata_json TEXT NOT NULL,
    last_event_id INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`

const createEventsSchemaSQL = `
CREATE TABLE IF NOT EXISTS session_events (
    session_id VARCHAR(255) NOT NULL,
    event_id INTEGER NOT NULL,
    type VARCHAR(64) NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (session_id, event_id)
)`

const createEventsIndexSQL = `
CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session_id, event_id)`

// SQLStore implements core.SessionStore on SQLite. Per-session append
// serialization comes from transactions: the next event ID is computed and
// written inside a single tx, so concurrent appends to one session cannot
// produce gaps or duplicates. Transient database errors surface as
// core.ErrStorageUnavailable so callers retry with backoff.
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) a SQLite database at path and ensures the
// schema exists. Use ":memory:" for throwaway stores in tests.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	// SQLite tolerates a single writer; more connections just queue on the
	// busy handler and can return SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{createSessionsSchemaSQL, createEventsSchemaSQL, createEventsIndexSQL} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLStore) Close() error { return s.db.Close() }

// wrapDBErr classifies driver errors into the core taxonomy.
func wrapDBErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, core.ErrSessionNotFound)
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy") {
		return fmt.Errorf("%s: %v: %w", op, err, core.ErrStorageUnavailable)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Create inserts a new idle session.
func (s *SQLStore) Create(ctx context.Context, userID string, metadata map[string]string) (*core.Session, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metaJSON, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	now := time.Now().UTC()
	sess := &core.Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		State:     core.SessionIdle,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, state, metadata_json, last_event_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)`,
		sess.ID, sess.UserID, string(sess.State), string(metaJSON), sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, wrapDBErr("create session", err)
	}
	return sess.Clone(), nil
}

func scanSession(row *sql.Row) (*core.Session, error) {
	var (
		sess     core.Session
		state    string
		metaJSON string
	)
	err := row.Scan(&sess.ID, &sess.UserID, &state, &metaJSON, &sess.LastEventID, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.State = core.SessionState(state)
	sess.Metadata = map[string]string{}
	if err := json.Unmarshal([]byte(metaJSON), &sess.Metadata); err != nil {
		return nil, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return &sess, nil
}

const selectSessionSQL = `SELECT id, user_id, state, metadata_json, last_event_id, created_at, updated_at FROM sessions WHERE id = ?`

// Get returns the session metadata record.
func (s *SQLStore) Get(ctx context.Context, sessionID string) (*core.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx, selectSessionSQL, sessionID))
	if err != nil {
		return nil, wrapDBErr("get session", err)
	}
	return sess, nil
}

// Update performs the read-modify-write inside one transaction.
func (s *SQLStore) Update(ctx context.Context, sessionID string, mutate func(*core.Session) error) (*core.Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("begin update", err)
	}
	defer tx.Rollback()

	sess, err := scanSession(tx.QueryRowContext(ctx, selectSessionSQL, sessionID))
	if err != nil {
		return nil, wrapDBErr("get session", err)
	}

	prev := sess.Clone()
	if err := mutate(sess); err != nil {
		return nil, err
	}
	sess.ID = prev.ID
	sess.CreatedAt = prev.CreatedAt
	sess.LastEventID = prev.LastEventID
	sess.UpdatedAt = time.Now().UTC()

	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE sessions SET user_id = ?, state = ?, metadata_json = ?, updated_at = ? WHERE id = ?`,
		sess.UserID, string(sess.State), string(metaJSON), sess.UpdatedAt, sess.ID)
	if err != nil {
		return nil, wrapDBErr("update session", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("commit update", err)
	}
	return sess.Clone(), nil
}

// AppendEvent assigns MAX(event_id)+1 and inserts the event atomically with
// the session tail bump.
func (s *SQLStore) AppendEvent(ctx context.Context, sessionID string, typ core.EventType, payload any) (core.Event, error) {
	return s.appendEvent(ctx, sessionID, typ, payload, nil)
}

// AppendEventWithState appends the event and sets the session state in the
// same transaction as the tail bump, so readers never see the event beside a
// stale state.
func (s *SQLStore) AppendEventWithState(ctx context.Context, sessionID string, typ core.EventType, payload any, state core.SessionState) (core.Event, error) {
	return s.appendEvent(ctx, sessionID, typ, payload, &state)
}

func (s *SQLStore) appendEvent(ctx context.Context, sessionID string, typ core.EventType, payload any, state *core.SessionState) (core.Event, error) {
	raw, err := core.MarshalPayload(payload)
	if err != nil {
		return core.Event{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Event{}, wrapDBErr("begin append", err)
	}
	defer tx.Rollback()

	var last int64
	if err := tx.QueryRowContext(ctx, `SELECT last_event_id FROM sessions WHERE id = ?`, sessionID).Scan(&last); err != nil {
		return core.Event{}, wrapDBErr("append event", err)
	}

	ev := core.Event{
		ID:        last + 1,
		SessionID: sessionID,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO session_events (session_id, event_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
		ev.SessionID, ev.ID, string(ev.Type), string(ev.Payload), ev.Timestamp); err != nil {
		return core.Event{}, wrapDBErr("insert event", err)
	}
	if state != nil {
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET last_event_id = ?, state = ?, updated_at = ? WHERE id = ?`,
			ev.ID, string(*state), ev.Timestamp, ev.SessionID); err != nil {
			return core.Event{}, wrapDBErr("bump session tail", err)
		}
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET last_event_id = ?, updated_at = ? WHERE id = ?`,
		ev.ID, ev.Timestamp, ev.SessionID); err != nil {
		return core.Event{}, wrapDBErr("bump session tail", err)
	}
	if err := tx.Commit(); err != nil {
		return core.Event{}, wrapDBErr("commit append", err)
	}
	return ev, nil
}

// EventsSince streams persisted events after the cursor in ID order.
func (s *SQLStore) EventsSince(ctx context.Context, sessionID string, cursor int64, limit int) ([]core.Event, error) {
	// Existence check so an unknown session is NotFound, not an empty slice.
	if _, err := s.Get(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT event_id, type, payload, created_at FROM session_events
	          WHERE session_id = ? AND event_id > ? ORDER BY event_id`
	args := []any{sessionID, cursor}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapDBErr("query events", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		ev := core.Event{SessionID: sessionID}
		var typ, payload string
		if err := rows.Scan(&ev.ID, &typ, &payload, &ev.Timestamp); err != nil {
			return nil, wrapDBErr("scan event", err)
		}
		ev.Type = core.EventType(typ)
		ev.Payload = json.RawMessage(payload)
		events = append(events, ev)
	}
	return events, wrapDBErr("iterate events", rows.Err())
}

// Backup exports the session record and its full event log.
func (s *SQLStore) Backup(ctx context.Context, sessionID string) (*core.Snapshot, error) {
	sess, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	events, err := s.EventsSince(ctx, sessionID, 0, 0)
	if err != nil {
		return nil, err
	}
	return &core.Snapshot{Session: sess, Events: events}, nil
}

// Restore reinstates a snapshot, replacing any prior record for the session.
func (s *SQLStore) Restore(ctx context.Context, snap *core.Snapshot) (*core.Session, error) {
	if snap == nil || snap.Session == nil {
		return nil, fmt.Errorf("restore: empty snapshot")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, wrapDBErr("begin restore", err)
	}
	defer tx.Rollback()

	sess := snap.Session.Clone()
	if n := len(snap.Events); n > 0 {
		sess.LastEventID = snap.Events[n-1].ID
	}
	metaJSON, err := json.Marshal(sess.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM session_events WHERE session_id = ?`, sess.ID); err != nil {
		return nil, wrapDBErr("clear events", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, state, metadata_json, last_event_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET user_id = excluded.user_id, state = excluded.state,
		   metadata_json = excluded.metadata_json, last_event_id = excluded.last_event_id,
		   created_at = excluded.created_at, updated_at = excluded.updated_at`,
		sess.ID, sess.UserID, string(sess.State), string(metaJSON), sess.LastEventID, sess.CreatedAt, sess.UpdatedAt); err != nil {
		return nil, wrapDBErr("restore session", err)
	}
	for _, ev := range snap.Events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO session_events (session_id, event_id, type, payload, created_at) VALUES (?, ?, ?, ?, ?)`,
			sess.ID, ev.ID, string(ev.Type), string(ev.Payload), ev.Timestamp); err != nil {
			return nil, wrapDBErr("restore event", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, wrapDBErr("commit restore", err)
	}
	return sess, nil
}

// ExpireIdle transitions non-active sessions untouched since the cutoff into
// the expired state.
func (s *SQLStore) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, updated_at = ? WHERE state NOT IN (?, ?) AND updated_at < ?`,
		string(core.SessionExpired), time.Now().UTC(),
		string(core.SessionActive), string(core.SessionExpired), cutoff)
	if err != nil {
		return 0, wrapDBErr("expire sessions", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
