package engine

import (
	"errors"
	"sync"
)

// Common errors for engine operations
var (
	ErrQueueFull             = errors.New("transaction queue is full")
	ErrQueueClosed           = errors.New("transaction queue is closed")
	ErrInvalidTx             = errors.New("invalid transaction")
	ErrDuplicateRegistration = errors.New("connection already registered")
	ErrInvalidName           = errors.New("client name is required")
	ErrUnknownClient         = errors.New("unknown client")
	ErrShutdownTimeout       = errors.New("shutdown timeout")
)

// Queue is a fixed-capacity FIFO of transactions shared by one producer and
// many consumers. Each pushed item is delivered to exactly one consumer.
type Queue struct {
	items  chan Transaction
	closed bool
	mu     sync.RWMutex
}

// NewQueue creates a queue holding at most capacity transactions.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items: make(chan Transaction, capacity),
	}
}

// Push appends tx without blocking.
// Returns false if the queue is full or closed.
func (q *Queue) Push(tx Transaction) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return false
	}

	select {
	case q.items <- tx:
		return true
	default:
		return false
	}
}

// Offer is Push with an error describing the rejection.
func (q *Queue) Offer(tx Transaction) error {
	if q.Push(tx) {
		return nil
	}
	if q.IsClosed() {
		return ErrQueueClosed
	}
	return ErrQueueFull
}

// Pop removes the oldest transaction. With block set it waits until an item
// is available; ok is false once the queue is closed and drained, or, without
// block, when the queue is empty.
func (q *Queue) Pop(block bool) (Transaction, bool) {
	if block {
		tx, ok := <-q.items
		return tx, ok
	}

	select {
	case tx, ok := <-q.items:
		return tx, ok
	default:
		return Transaction{}, false
	}
}

// Close stops accepting pushes and wakes every blocked consumer once the
// remaining items are drained.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.items)
}

// IsClosed reports whether Close has been called.
func (q *Queue) IsClosed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.closed
}

// Len returns the number of queued transactions.
func (q *Queue) Len() int {
	return len(q.items)
}

// Cap returns the fixed capacity.
func (q *Queue) Cap() int {
	return cap(q.items)
}

// QueueStats contains queue statistics.
type QueueStats struct {
	Size      int  `json:"size"`
	Capacity  int  `json:"capacity"`
	Available int  `json:"available"`
	Closed    bool `json:"closed"`
}

// Stats returns queue statistics.
func (q *Queue) Stats() QueueStats {
	size := len(q.items)
	return QueueStats{
		Size:      size,
		Capacity:  cap(q.items),
		Available: cap(q.items) - size,
		Closed:    q.IsClosed(),
	}
}
