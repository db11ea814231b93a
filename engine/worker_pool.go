package engine

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Handler processes one transaction on behalf of a worker.
type Handler func(workerID int, tx Transaction) error

// PoolStats contains worker pool statistics.
type PoolStats struct {
	Name        string  `json:"name"`
	Workers     int     `json:"workers"`
	Active      int64   `json:"active"`
	Completed   int64   `json:"completed"`
	Failed      int64   `json:"failed"`
	Pending     int     `json:"pending"`
	SuccessRate float64 `json:"success_rate"`
}

// WorkerPool runs a fixed number of goroutines that consume a shared Queue.
type WorkerPool struct {
	name    string
	workers int
	queue   *Queue
	handler Handler
	wg      sync.WaitGroup

	// Atomic counters for thread-safe statistics
	active    int64
	completed int64
	failed    int64

	onError func(workerID int, tx Transaction, err error)
	running bool
	mu      sync.RWMutex
}

// NewWorkerPool creates a pool of workers consuming queue. All workers are
// running when it returns.
func NewWorkerPool(name string, workers int, queue *Queue, handler Handler) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}

	pool := &WorkerPool{
		name:    name,
		workers: workers,
		queue:   queue,
		handler: handler,
		running: true,
	}

	for i := 0; i < workers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	return pool
}

// worker is the goroutine that processes transactions.
func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		tx, ok := p.queue.Pop(true)
		if !ok {
			return
		}
		p.process(id, tx)
	}
}

// process executes a single transaction.
func (p *WorkerPool) process(workerID int, tx Transaction) {
	atomic.AddInt64(&p.active, 1)
	defer atomic.AddInt64(&p.active, -1)

	var err error
	if p.handler == nil {
		err = errors.New("no handler defined")
	} else {
		// A panicking handler must not take the worker down with it
		err = Recover(func() error { return p.handler(workerID, tx) })
	}

	if err == nil {
		atomic.AddInt64(&p.completed, 1)
		return
	}
	atomic.AddInt64(&p.failed, 1)

	p.mu.RLock()
	onError := p.onError
	p.mu.RUnlock()
	if onError != nil {
		onError(workerID, tx, err)
	}
}

// SetErrorHandler sets a callback invoked for every failed transaction.
func (p *WorkerPool) SetErrorHandler(fn func(workerID int, tx Transaction, err error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return "panic in transaction processing: " + panicToString(e.Value)
}

// Recover converts a panic in fn into a *PanicError.
func Recover(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return fn()
}

// panicToString converts a recovered panic value to a string.
func panicToString(r interface{}) string {
	switch v := r.(type) {
	case string:
		return v
	case error:
		return v.Error()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// GetStats returns current worker pool statistics.
func (p *WorkerPool) GetStats() PoolStats {
	completed := atomic.LoadInt64(&p.completed)
	failed := atomic.LoadInt64(&p.failed)
	total := completed + failed

	var successRate float64
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	return PoolStats{
		Name:        p.name,
		Workers:     p.workers,
		Active:      atomic.LoadInt64(&p.active),
		Completed:   completed,
		Failed:      failed,
		Pending:     p.queue.Len(),
		SuccessRate: successRate,
	}
}

// stop marks the pool stopped and closes the queue.
// Returns false if the pool was already stopped.
func (p *WorkerPool) stop() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running {
		return false
	}
	p.running = false
	p.queue.Close()
	return true
}

// Stop closes the queue and returns immediately. Workers finish whatever
// is still queued in the background.
func (p *WorkerPool) Stop() {
	p.stop()
}

// Shutdown closes the queue and waits for the workers to drain it.
func (p *WorkerPool) Shutdown() {
	p.stop()
	p.wg.Wait()
}

// ShutdownWithTimeout shuts down with a timeout.
func (p *WorkerPool) ShutdownWithTimeout(timeout time.Duration) error {
	p.stop()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrShutdownTimeout
	}
}

// IsRunning returns true if the pool is still consuming new transactions.
func (p *WorkerPool) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

// IsPanic reports whether err came from a recovered panic.
func IsPanic(err error) bool {
	var pe *PanicError
	return errors.As(err, &pe)
}
