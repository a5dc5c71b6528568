// Package store provides persistent storage for the agent network using SQLite.
//
// # Architecture
//
// All state shared between agents lives here: every daemon, hook, and
// listener on a machine opens the same database file, so a message queued
// by one process is visible to every other the moment the insert commits.
// The Store interface is implemented by SQLiteStore; components depend on
// the interface so tests can substitute stores freely.
//
// # Data Models
//
//   - Session: one agent's membership in one network, keyed by session id
//     with a uniqueness constraint per (agent, network) pair
//   - Message: a queued or delivered message; broadcasts become one
//     independent row per recipient
//   - Peer: a remote machine paired for cross-machine messaging
//   - NetworkSummary: per-network aggregates for the chat viewer
//
// # Presence and expiry
//
// Rows are never aged out by a background timer inside the store. Callers
// pass a cutoff time instead: a session counts as active when its
// last_seen is at or after the cutoff. SweepExpired deletes rows older
// than the cutoff so stale members disappear from listings.
//
// # Delivery
//
// ClaimPending flips rows from pending to delivered in a single
// conditional UPDATE, so two concurrent readers of the same inbox can
// never receive the same message twice.
//
// # Timestamps
//
// Times are stored as fixed-width UTC strings with nanosecond precision,
// which keeps lexicographic comparison in SQL consistent with time
// ordering, including sub-second differences.
package store
