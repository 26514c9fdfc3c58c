// Package jsonldb provides a generic, concurrent-safe, JSONL-backed data store.
//
// # Overview
//
// The package centers around [Table], a generic container that stores rows in a
// JSONL (JSON Lines) file with full in-memory caching for fast reads. Tables are
// safe for concurrent use by multiple goroutines.
//
// # Concurrency: Pessimistic Locking
//
// Table uses pessimistic locking: [Table.Modify] holds the write lock for the
// entire read-modify-write operation. The callback may return an error to abort
// the change, which makes Modify a compare-and-swap primitive: check the
// expected state inside the callback and reject the write when it differs.
//
// # Secondary Indexes
//
// [UniqueIndex] and [Index] provide O(1) lookups by arbitrary keys, staying
// synchronized with table mutations via [TableObserver].
//
// # File Format
//
// JSONL files with line 1 as schema header, subsequent lines as JSON rows.
// Appends are written in place; updates and deletes rewrite the file to a
// temporary sibling which is then renamed over the original.
package jsonldb
