// Package store provides persistent storage for agent documents using SQLite.
//
// # Architecture
//
// A single Store interface covers everything the service persists:
//
//   - Agent documents (lifecycle status, instance identity, timestamps)
//   - The reaper lease (a singleton row used for run arbitration)
//
// SQLiteStore is the production implementation. MemoryStore implements the
// same interface in memory and is what most unit tests use.
//
// # Concurrency Model
//
// Agent status changes go through CompareAndSwapAgent, which is keyed on the
// document's status_version column. Two writers racing on the same version
// produce exactly one winner; the loser gets ErrConflict and must re-read.
// Heartbeat touches and runtime-field merges deliberately bypass the version
// counter so that liveness tracking never invalidates an in-flight CAS.
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode for concurrent reads:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// Timestamps are stored as RFC 3339 (nanosecond) UTC strings so that
// lexicographic ordering matches chronological ordering for keyset
// pagination.
//
// # Error Handling
//
// Common errors:
//
//   - ErrNotFound: Requested agent does not exist
//   - ErrConflict: CAS version mismatch, caller must re-read and retry
//   - ErrDuplicateAgent: Agent with the same ID already exists
//
// All methods accept context.Context for cancellation support.
package store
