package core

import "time"

// TaskStatus enumerates the agent task state machine:
// pending -> running -> {succeeded | failed | cancelled}.
// A failed attempt that will be retried returns the task to pending.
type TaskStatus string

const (
	// TaskPending means the task has not started (or awaits a retry).
	TaskPending TaskStatus = "pending"
	// TaskRunning means an attempt is executing.
	TaskRunning TaskStatus = "running"
	// TaskSucceeded is terminal with a Result set.
	TaskSucceeded TaskStatus = "succeeded"
	// TaskFailed is terminal with retries exhausted and Err set.
	TaskFailed TaskStatus = "failed"
	// TaskCancelled is terminal; a sibling failure or session signal stopped it.
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status ends the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// AgentTask records one unit of agent work within a pipeline stage. It is
// created by the dispatcher when the stage begins and mutated only by the
// task's own execution goroutine. Exactly one of Result/Err is set once the
// status is terminal. RetryCount counts retries, so attempts = RetryCount+1.
type AgentTask struct {
	AgentName  string      `json:"agent_name"`
	SessionID  string      `json:"session_id"`
	Status     TaskStatus  `json:"status"`
	StartedAt  time.Time   `json:"started_at,omitempty"`
	EndedAt    time.Time   `json:"ended_at,omitempty"`
	Result     any         `json:"result,omitempty"`
	Err        *AgentError `json:"error,omitempty"`
	RetryCount int         `json:"retry_count"`
}

// NewAgentTask builds a pending task for the named agent.
func NewAgentTask(sessionID, agentName string) *AgentTask {
	return &AgentTask{AgentName: agentName, SessionID: sessionID, Status: TaskPending}
}

// Start marks the beginning of an attempt. Attempts after the first bump
// RetryCount.
func (t *AgentTask) Start() {
	if t.Status == TaskPending && !t.StartedAt.IsZero() {
		t.RetryCount++
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	t.Status = TaskRunning
}

// Requeue returns a failed attempt to pending for another try.
func (t *AgentTask) Requeue() { t.Status = TaskPending }

// Succeed terminates the task with a result.
func (t *AgentTask) Succeed(result any) {
	t.Status = TaskSucceeded
	t.Result = result
	t.Err = nil
	t.EndedAt = time.Now().UTC()
}

// Fail terminates the task with a typed error after retries are exhausted.
func (t *AgentTask) Fail(err *AgentError) {
	t.Status = TaskFailed
	t.Err = err
	t.Result = nil
	t.EndedAt = time.Now().UTC()
}

// Cancel terminates the task without result or error payload beyond the
// cancellation code.
func (t *AgentTask) Cancel() {
	t.Status = TaskCancelled
	t.Err = &AgentError{Code: CodePipelineCancelled, Message: "task cancelled"}
	t.Result = nil
	t.EndedAt = time.Now().UTC()
}
