// Package network provides the ZeroMQ transaction event feed.
// This package implements:
// - PUB socket publishing registration, receipt, completion and drop events
// - SUB helper for monitors and tests
package network
