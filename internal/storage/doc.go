// Package storage persists the post queue: one row per (post, platform) with
// its resolved send time, plus an append-only audit log.
//
// Backends:
//   - "file": JSON Lines journal replayed at open, compacted into a snapshot
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
package storage
