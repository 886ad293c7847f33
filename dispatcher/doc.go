// Package dispatcher sequences pipeline runs against a session. A run walks
// the pipeline's stages in order; agents inside a stage execute in parallel
// and must all finish before the next stage starts. Every lifecycle event
// (agent_start, agent_complete, agent_error, pipeline_complete,
// pipeline_error) flows through the session's Publisher, never directly to
// connections.
//
// Failure policy: an agent attempt that errors is retried with bounded
// exponential backoff up to a configured attempt count. Exhaustion fails the
// stage, cancels sibling tasks cooperatively, and aborts the remaining
// stages with a pipeline_error; there is no speculative continuation with
// partial data. Task outcomes are typed values inspected by the run loop;
// agent panics are recovered into the same path.
//
// At most one run may be in flight per session; concurrent attempts are
// rejected with core.ErrPipelineActive, not queued.
package dispatcher
