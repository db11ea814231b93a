package api

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid server configuration")

// Config holds configuration for the transaction server.
type Config struct {
	// Host to listen on; empty means all interfaces
	Host string

	// Port to listen on; 0 picks an ephemeral port
	Port int

	// IdleTimeout shuts the server down when no event arrives in time
	IdleTimeout time.Duration

	// PoolSize is the number of workers executing transactions
	PoolSize int

	// QueueCapacity is the maximum number of queued transactions
	QueueCapacity int

	// MaxConnections is the ceiling on simultaneously open client connections
	MaxConnections int

	// WriteTimeout bounds each completion reply write
	WriteTimeout time.Duration

	// DrainTimeout lets workers finish queued transactions at shutdown.
	// Zero stops the pool without waiting.
	DrainTimeout time.Duration

	// CloseOnProtocolError drops connections that send malformed lines
	CloseOnProtocolError bool

	// MetricsAddress serves /metrics and /health; empty disables it
	MetricsAddress string

	// FeedAddress publishes transaction events over ZeroMQ; empty disables it
	FeedAddress string

	// JournalPath receives the Arrow IPC journal at shutdown; empty disables it
	JournalPath string

	// OutputDir holds the per-run transaction record
	OutputDir string
}

// DefaultConfig returns a Config with the stock limits.
func DefaultConfig() *Config {
	return &Config{
		Port:                 0,
		IdleTimeout:          30 * time.Second,
		PoolSize:             16,
		QueueCapacity:        100,
		MaxConnections:       500,
		WriteTimeout:         5 * time.Second,
		DrainTimeout:         0,
		CloseOnProtocolError: true,
		OutputDir:            ".",
	}
}

// Address returns the listen address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Validate checks limits and fills zero values with defaults.
func (c *Config) Validate() error {
	defaults := DefaultConfig()

	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.IdleTimeout < 0 || c.PoolSize < 0 || c.QueueCapacity < 0 || c.MaxConnections < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidConfig)
	}
	if c.WriteTimeout < 0 || c.DrainTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalidConfig)
	}

	if c.IdleTimeout == 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	if c.PoolSize == 0 {
		c.PoolSize = defaults.PoolSize
	}
	if c.QueueCapacity == 0 {
		c.QueueCapacity = defaults.QueueCapacity
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = defaults.MaxConnections
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = defaults.WriteTimeout
	}
	return nil
}
