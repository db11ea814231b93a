// Package arrow provides the Apache Arrow transaction journal.
// This package implements:
// - Journal schema for completed transactions
// - In-memory journal flushed as an Arrow IPC stream at shutdown
// - Reader for journal files
package arrow
