// Package store houses concrete implementations of core.MonologStore. The
// interface itself (and the Session/Monolog structs) live in the core package
// to centralize domain contracts; keeping only implementations here prevents
// higher level packages (aggregator, pipeline, server) from depending on
// concrete storage.
//
// The in-memory store below is the reference implementation used by tests and
// ephemeral setups. The durable SQLite backend lives in the sqlite
// sub-package; only the wiring layer decides which one to instantiate.
package store
