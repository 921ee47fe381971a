// Package storage persists the queue's job history.
//
// Drivers:
//   - "file": append-only JSON Lines, no dependencies beyond the stdlib
//   - "sqlite": SQLite database via modernc.org/sqlite (pure Go)
package storage
