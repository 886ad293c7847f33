// Package transport exposes the orchestration core over HTTP: REST session
// lifecycle endpoints and the long-lived text/event-stream endpoint clients
// consume. It is a thin layer; session and event semantics live in the
// session, broadcast and dispatcher packages.
//
// Stream resumption follows the SSE convention: each persisted event frame
// carries its event ID in the id field, and reconnecting clients send
// Last-Event-ID (or a cursor query parameter) to replay what they missed
// before live delivery resumes. Transient frames (connection greeting,
// heartbeats) omit the id field so they never advance the client's cursor.
package transport
