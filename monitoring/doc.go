// Package monitoring provides the transaction record and run summary.
// This package implements:
// - Serialized per-run transaction record (received, done, dropped)
// - Final summary with per-client counts and throughput
// - Structured diagnostics logger
package monitoring
