package core

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_TransientAndTerminal(t *testing.T) {
	persisted := Event{ID: 7, SessionID: "s-1", Type: EventAgentProgress}
	assert.False(t, persisted.Transient())
	assert.False(t, persisted.Terminal())

	greeting := NewConnectionEvent("s-1")
	assert.True(t, greeting.Transient())
	assert.Equal(t, EventConnection, greeting.Type)
	assert.False(t, greeting.Timestamp.IsZero())

	beat := NewHeartbeatEvent("s-1")
	assert.True(t, beat.Transient())
	assert.JSONEq(t, `{}`, string(beat.Payload))

	done := Event{ID: 9, Type: EventPipelineComplete}
	failed := Event{ID: 9, Type: EventPipelineError}
	assert.True(t, done.Terminal())
	assert.True(t, failed.Terminal())
}

func TestEvent_IDOmittedWhenTransient(t *testing.T) {
	raw, err := json.Marshal(NewConnectionEvent("s-1"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"id"`)

	raw, err = json.Marshal(Event{ID: 3, SessionID: "s-1", Type: EventAgentStart, Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":3`)
}

func TestMarshalPayload(t *testing.T) {
	raw, err := MarshalPayload(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(raw))

	raw, err = MarshalPayload(AgentStartPayload{AgentName: "researcher"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"agent_name":"researcher"}`, string(raw))

	_, err = MarshalPayload(func() {})
	assert.Error(t, err)
}

func TestPipeline_Validate(t *testing.T) {
	tests := []struct {
		name     string
		pipeline Pipeline
		wantErr  bool
	}{
		{"valid sequential", Sequential("research", "planner", "researcher", "writer"), false},
		{"valid parallel stage", Pipeline{Name: "p", Stages: []Stage{{Agents: []string{"a", "b"}}}}, false},
		{"no stages", Pipeline{Name: "empty"}, true},
		{"empty stage", Pipeline{Name: "p", Stages: []Stage{{}}}, true},
		{"blank agent", Pipeline{Name: "p", Stages: []Stage{{Agents: []string{""}}}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.pipeline.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPipeline_AgentNames(t *testing.T) {
	p := Pipeline{Name: "p", Stages: []Stage{
		{Agents: []string{"a"}},
		{Agents: []string{"b", "c"}},
	}}
	assert.Equal(t, []string{"a", "b", "c"}, p.AgentNames())
}

func TestAgentTask_StateMachine(t *testing.T) {
	task := NewAgentTask("s-1", "researcher")
	assert.Equal(t, TaskPending, task.Status)
	assert.Zero(t, task.RetryCount)

	task.Start()
	assert.Equal(t, TaskRunning, task.Status)
	assert.Zero(t, task.RetryCount)

	// First retry: requeue then start again.
	task.Requeue()
	task.Start()
	assert.Equal(t, 1, task.RetryCount)

	task.Requeue()
	task.Start()
	assert.Equal(t, 2, task.RetryCount)

	task.Succeed("report")
	assert.Equal(t, TaskSucceeded, task.Status)
	assert.True(t, task.Status.Terminal())
	assert.Equal(t, "report", task.Result)
	assert.Nil(t, task.Err)
	assert.False(t, task.EndedAt.IsZero())
}

func TestAgentTask_FailAndCancel(t *testing.T) {
	task := NewAgentTask("s-1", "writer")
	task.Start()
	task.Fail(NewAgentError(CodeAgentFailure, "boom"))
	assert.Equal(t, TaskFailed, task.Status)
	assert.Equal(t, CodeAgentFailure, task.Err.Code)
	assert.Nil(t, task.Result)

	task2 := NewAgentTask("s-1", "writer")
	task2.Start()
	task2.Cancel()
	assert.Equal(t, TaskCancelled, task2.Status)
	assert.Equal(t, CodePipelineCancelled, task2.Err.Code)
}

func TestAsAgentError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode string
	}{
		{"typed passthrough", NewAgentError(CodeAgentPanic, "panicked"), CodeAgentPanic},
		{"deadline", context.DeadlineExceeded, CodeAgentTimeout},
		{"cancelled", context.Canceled, CodePipelineCancelled},
		{"wrapped deadline", errors.Join(errors.New("attempt"), context.DeadlineExceeded), CodeAgentTimeout},
		{"plain error", errors.New("boom"), CodeAgentFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantCode, AsAgentError(tt.err).Code)
		})
	}
}

func TestSession_CloneAndStreamable(t *testing.T) {
	s := &Session{ID: "s-1", State: SessionIdle, Metadata: map[string]string{"k": "v"}}
	c := s.Clone()
	c.Metadata["k"] = "changed"
	assert.Equal(t, "v", s.Metadata["k"])

	assert.True(t, s.Streamable())
	s.State = SessionExpired
	assert.False(t, s.Streamable())
	s.State = SessionFailed
	assert.True(t, s.Streamable())
}
