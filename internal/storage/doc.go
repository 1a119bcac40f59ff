// Package storage persists imported CDEC records.
//
// Drivers:
//   - "memory": process-local maps (tests, dry runs)
//   - "file":   memory plus a JSON snapshot rewritten after every change
//   - "sqlite": SQLite database file (modernc.org/sqlite, no cgo)
//
// Importers never write rows directly; they hand source records to MergeAll,
// which inserts new keys, updates changed ones and optionally deletes keys
// missing from the source.
package storage
