// Package broadcast implements per-session event fan-out. A Broadcaster is a
// registry of hubs keyed by session ID; each hub owns a bounded ring buffer
// of recently persisted events for fast replay, a subscriber set fed over
// buffered channels, and a heartbeat ticker while subscribers are attached.
//
// Publish is durability-before-visibility: the event is appended to the
// SessionStore (which assigns its ID) before any subscriber sees it, so a
// client that observed an event can always replay it after a reconnect.
// Slow consumers are isolated, not waited for: a subscriber whose channel is
// full is dropped and its channel closed, never delaying delivery to others.
//
// Hubs are created lazily on first publish or subscribe and torn down after
// an idle period with no subscribers, so the registry does not accumulate
// every session the process has ever seen.
package broadcast
