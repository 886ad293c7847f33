package core

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors forming the failure taxonomy shared across packages.
// Callers classify with errors.Is; stores and transports wrap these with
// contextual detail via fmt.Errorf("...: %w", ...).
var (
	// ErrSessionNotFound means the session was never created or has been evicted.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionExpired means the session exists but was reaped; non-retryable.
	ErrSessionExpired = errors.New("session expired")
	// ErrStorageUnavailable is transient; callers retry with backoff.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrConflict signals a concurrent mutator collision; retry the mutation.
	ErrConflict = errors.New("conflicting write")
	// ErrInvalidCursor means a resume cursor is ahead of the session's tail.
	ErrInvalidCursor = errors.New("cursor ahead of session tail")
	// ErrPipelineActive rejects a second run while one is in flight.
	ErrPipelineActive = errors.New("pipeline run already in flight")
)

// Stable error codes surfaced in agent_error / pipeline_error payloads.
const (
	CodeAgentFailure      = "agent_failure"
	CodeAgentTimeout      = "agent_timeout"
	CodeAgentPanic        = "agent_panic"
	CodeStageFailed       = "stage_failed"
	CodePipelineCancelled = "pipeline_cancelled"
	CodePipelineTimeout   = "pipeline_timeout"
)

// AgentError is the typed outcome of a failed agent task. Failures inside a
// task never cross goroutine boundaries as panics or bare errors; they are
// captured into an AgentError the dispatcher inspects.
type AgentError struct {
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *AgentError) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

// NewAgentError builds an AgentError with the given stable code.
func NewAgentError(code, format string, args ...any) *AgentError {
	return &AgentError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsAgentError converts an arbitrary task error into a typed AgentError,
// mapping context deadline/cancellation onto their stable codes.
func AsAgentError(err error) *AgentError {
	var ae *AgentError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AgentError{Code: CodeAgentTimeout, Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return &AgentError{Code: CodePipelineCancelled, Message: err.Error()}
	default:
		return &AgentError{Code: CodeAgentFailure, Message: err.Error()}
	}
}
