package testutil

import (
	"encoding/json"
	"time"

	"github.com/NickB03/vana/core"
)

// EventBuilder provides a fluent helper for constructing events in tests.
// Example:
//
//	ev := NewEventBuilder("sess-1").ID(3).Type(core.EventAgentProgress).Build()
//
// Chain only the parts you need; sensible defaults are applied.
type EventBuilder struct {
	sessionID string
	id        int64
	typ       core.EventType
	payload   any
	timestamp time.Time
}

// NewEventBuilder creates a builder for the given session with default type
// agent_progress and event ID 1.
func NewEventBuilder(sessionID string) *EventBuilder {
	return &EventBuilder{sessionID: sessionID, id: 1, typ: core.EventAgentProgress, timestamp: time.Now().UTC()}
}

// ID sets the per-session event ID (chainable). Zero marks the event transient.
func (b *EventBuilder) ID(id int64) *EventBuilder { b.id = id; return b }

// Type sets the event type (chainable).
func (b *EventBuilder) Type(t core.EventType) *EventBuilder { b.typ = t; return b }

// Payload sets the payload object, marshaled at Build time (chainable).
func (b *EventBuilder) Payload(p any) *EventBuilder { b.payload = p; return b }

// Progress is shorthand for an agent_progress payload (chainable).
func (b *EventBuilder) Progress(agent, message string) *EventBuilder {
	b.typ = core.EventAgentProgress
	b.payload = core.AgentProgressPayload{AgentName: agent, Message: message}
	return b
}

// At sets the event timestamp (chainable).
func (b *EventBuilder) At(t time.Time) *EventBuilder { b.timestamp = t; return b }

// Build produces the event. Payload marshal errors panic; builders are for
// tests where a malformed payload means a broken test.
func (b *EventBuilder) Build() core.Event {
	raw := json.RawMessage(`{}`)
	if b.payload != nil {
		var err error
		raw, err = json.Marshal(b.payload)
		if err != nil {
			panic(err)
		}
	}
	return core.Event{
		ID:        b.id,
		SessionID: b.sessionID,
		Type:      b.typ,
		Payload:   raw,
		Timestamp: b.timestamp,
	}
}

// EventSeq builds n consecutive persisted events starting at ID 1, useful for
// seeding replay buffers and stores.
func EventSeq(sessionID string, n int) []core.Event {
	events := make([]core.Event, 0, n)
	for i := 1; i <= n; i++ {
		events = append(events, NewEventBuilder(sessionID).ID(int64(i)).Build())
	}
	return events
}
