package core

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType enumerates the kinds of events a session stream can carry.
type EventType string

const (
	// EventConnection is sent once per stream connection as a greeting.
	EventConnection EventType = "connection"
	// EventHeartbeat keeps connections and intermediary proxies alive.
	EventHeartbeat EventType = "heartbeat"
	// EventAgentStart marks the beginning of an agent task.
	EventAgentStart EventType = "agent_start"
	// EventAgentProgress carries an intermediate message from a running agent.
	EventAgentProgress EventType = "agent_progress"
	// EventAgentComplete carries the final result of a successful agent task.
	EventAgentComplete EventType = "agent_complete"
	// EventAgentError reports an agent task that exhausted its retries.
	EventAgentError EventType = "agent_error"
	// EventResearchSource reports a source discovered during research.
	EventResearchSource EventType = "research_source"
	// EventPipelineComplete marks a pipeline run that finished successfully.
	EventPipelineComplete EventType = "pipeline_complete"
	// EventPipelineError marks a pipeline run that aborted.
	EventPipelineError EventType = "pipeline_error"
)

// Event is one immutable unit of progress within a session. Persisted events
// carry a strictly increasing, gap-free per-session ID assigned by the
// SessionStore at append time; that ID doubles as the client replay cursor.
//
// Connection greetings and heartbeats are transient: they are synthesized per
// connection or per interval, never persisted, and carry ID zero so the
// stream layer emits them without an SSE id field (leaving the client cursor
// untouched).
type Event struct {
	ID        int64           `json:"id,omitempty"`
	SessionID string          `json:"session_id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Transient reports whether the event lives outside the persisted log.
func (e Event) Transient() bool { return e.ID == 0 }

// Terminal reports whether the event ends a pipeline run.
func (e Event) Terminal() bool {
	return e.Type == EventPipelineComplete || e.Type == EventPipelineError
}

// Payload shapes, one per EventType. These are the wire contract consumed by
// stream clients; field sets are stable.

// ConnectionPayload greets a freshly attached stream connection.
type ConnectionPayload struct {
	Status string `json:"status"`
}

// HeartbeatPayload is intentionally empty.
type HeartbeatPayload struct{}

// AgentStartPayload announces that a named agent began executing.
type AgentStartPayload struct {
	AgentName string `json:"agent_name"`
}

// AgentProgressPayload carries a human-readable progress message.
type AgentProgressPayload struct {
	AgentName string `json:"agent_name"`
	Message   string `json:"message"`
}

// AgentCompletePayload carries an agent's final result.
type AgentCompletePayload struct {
	AgentName string `json:"agent_name"`
	Result    any    `json:"result"`
}

// AgentErrorPayload reports a terminally failed agent task.
type AgentErrorPayload struct {
	AgentName string `json:"agent_name"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// ResearchSourcePayload reports a source an agent found while researching.
type ResearchSourcePayload struct {
	URL        string  `json:"url"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
}

// PipelineCompletePayload summarizes a successful pipeline run.
type PipelineCompletePayload struct {
	Summary string `json:"summary"`
}

// PipelineErrorPayload reports an aborted pipeline run.
type PipelineErrorPayload struct {
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
}

// MarshalPayload encodes a payload value for storage in an Event. A nil
// payload becomes an empty JSON object so consumers never see null data.
func MarshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return raw, nil
}

// NewTransientEvent builds an unpersisted event (ID zero). Used for
// connection greetings and heartbeats only.
func NewTransientEvent(sessionID string, typ EventType, payload any) Event {
	raw, err := MarshalPayload(payload)
	if err != nil {
		// Payload shapes above are always marshalable; this guards misuse
		// with arbitrary caller types.
		raw = json.RawMessage(`{}`)
	}
	return Event{
		SessionID: sessionID,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}
}

// NewConnectionEvent builds the transient greeting for a new connection.
func NewConnectionEvent(sessionID string) Event {
	return NewTransientEvent(sessionID, EventConnection, ConnectionPayload{Status: "connected"})
}

// NewHeartbeatEvent builds a transient heartbeat.
func NewHeartbeatEvent(sessionID string) Event {
	return NewTransientEvent(sessionID, EventHeartbeat, HeartbeatPayload{})
}
