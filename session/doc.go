// Package session houses concrete implementations of the core.SessionStore.
// The interface itself (and the Session struct) live in the core package to
// centralize domain contracts. Keeping only implementations here prevents
// higher level packages (dispatcher, broadcast) from depending on concrete
// storage.
//
// Two backends are provided: MemoryStore for tests and ephemeral servers,
// and SQLStore (SQLite) for durable single-node deployments. Additional
// backends (Postgres, Redis, ...) can be added without changing any calling
// code; only the wiring layer decides which implementation to instantiate.
package session
