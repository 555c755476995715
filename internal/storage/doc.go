// Package storage persists item state and a journal of delivered commands.
//
// Two drivers:
//   - "file": JSON Lines journals plus a periodically compacted snapshot
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
//
// Timer state itself is never persisted.
package storage
