// Package storage persists finished-run records.
//
// Drivers:
//   - "file": append-only JSON Lines with periodic compaction
//   - "sqlite": SQLite database via modernc.org/sqlite
//   - "none" (or empty): disabled, Open returns a nil Store
package storage
