package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/NickB03/vana/core"
)

// SessionBuilder helps construct store-backed sessions with fluent chaining
// for tests. Example:
//
//	sess := NewSessionBuilder(store).User("u-1").Meta("k", "v").Events(3).Create(t)
type SessionBuilder struct {
	store  core.SessionStore
	userID string
	meta   map[string]string
	events int
}

// NewSessionBuilder creates a builder that writes through the given store.
func NewSessionBuilder(store core.SessionStore) *SessionBuilder {
	return &SessionBuilder{store: store, userID: "test-user"}
}

// User sets the owning user ID (chainable).
func (b *SessionBuilder) User(id string) *SessionBuilder { b.userID = id; return b }

// Meta sets one metadata key/value pair (chainable).
func (b *SessionBuilder) Meta(key, val string) *SessionBuilder {
	if b.meta == nil {
		b.meta = map[string]string{}
	}
	b.meta[key] = val
	return b
}

// Events seeds n agent_progress events after creation (chainable).
func (b *SessionBuilder) Events(n int) *SessionBuilder { b.events = n; return b }

// Create materializes the session in the store, failing the test on error.
func (b *SessionBuilder) Create(t *testing.T) *core.Session {
	t.Helper()
	ctx := context.Background()

	sess, err := b.store.Create(ctx, b.userID, b.meta)
	require.NoError(t, err)

	for i := 0; i < b.events; i++ {
		_, err := b.store.AppendEvent(ctx, sess.ID, core.EventAgentProgress, core.AgentProgressPayload{
			AgentName: "seed",
			Message:   "seed event",
		})
		require.NoError(t, err)
	}
	if b.events > 0 {
		sess, err = b.store.Get(ctx, sess.ID)
		require.NoError(t, err)
	}
	return sess
}
