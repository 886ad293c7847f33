package core

import (
	"context"
	"encoding/json"

	"github.com/NickB03/vana/logging"
)

// Agent is a single processing unit dispatched by the pipeline runner.
//
// Implementations must respect context cancellation at I/O boundaries so
// sibling failures and session-level cancellation can stop them
// cooperatively, releasing external resources before returning. Run returns
// either an opaque result payload or an error; it never communicates
// failure by panicking across the goroutine boundary (the dispatcher
// recovers such panics into typed outcomes regardless).
type Agent interface {
	Name() string
	Run(ctx context.Context, tc *TaskContext) (any, error)
}

// TaskContext carries per-task execution scope into an Agent's Run method:
// identifiers, the pipeline input, a session metadata snapshot, a logger,
// and emitters for intermediate events. Emitted events flow through the
// session Publisher like every other event, so they are persisted and
// fanned out in order.
type TaskContext struct {
	SessionID string
	RunID     string
	AgentName string
	Input     json.RawMessage
	Metadata  map[string]string
	// Upstream holds results of previously completed stages keyed by agent
	// name. Stages run strictly in order, so the map is read-only by the
	// time an agent sees it.
	Upstream map[string]any
	Logger   logging.Logger

	publish func(typ EventType, payload any) error
}

// NewTaskContext wires a task context to a publish function. The dispatcher
// is the only expected caller outside of tests.
func NewTaskContext(
	sessionID, runID, agentName string,
	input json.RawMessage,
	metadata map[string]string,
	logger logging.Logger,
	publish func(typ EventType, payload any) error,
) *TaskContext {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	if publish == nil {
		publish = func(EventType, any) error { return nil }
	}
	return &TaskContext{
		SessionID: sessionID,
		RunID:     runID,
		AgentName: agentName,
		Input:     input,
		Metadata:  metadata,
		Logger:    logger,
		publish:   publish,
	}
}

// Progress emits an agent_progress event with a human-readable message.
func (tc *TaskContext) Progress(message string) error {
	return tc.publish(EventAgentProgress, AgentProgressPayload{
		AgentName: tc.AgentName,
		Message:   message,
	})
}

// Source emits a research_source event for a discovered reference.
func (tc *TaskContext) Source(url, title string, confidence float64) error {
	return tc.publish(EventResearchSource, ResearchSourcePayload{
		URL:        url,
		Title:      title,
		Confidence: confidence,
	})
}
