// Package core provides the foundational domain types and interfaces used by
// Vana. It defines the core abstractions for:
//
//   - Events (immutable, per-session ordered progress records)
//   - Sessions (durable containers for pipeline runs and event history)
//   - Agent tasks (single units of agent work with typed outcomes)
//   - Pipelines (staged sequences of agent tasks)
//   - Pluggable stores for session state and the event log
//
// The package intentionally keeps implementation concerns (persistence,
// dispatch orchestration, fan-out, transports) out of scope, exposing small
// interfaces so higher layers can be swapped and tested independently.
package core
