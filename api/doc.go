// Package api provides the TandS transaction server.
// This package implements:
// - Line protocol codec (N<name>, T<work>, D<seq>)
// - Event loop multiplexing all client connections with an idle timeout
// - Worker reply path and Prometheus metrics
package api
