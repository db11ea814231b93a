// Package engine provides the transaction processing core.
// This package implements:
// - Bounded FIFO transaction queue
// - Client registry keyed by connection
// - Fixed worker pool consuming the queue
package engine
