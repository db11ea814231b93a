package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewQueue(t *testing.T) {
	q := NewQueue(100)
	require.NotNil(t, q)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 100, q.Cap())

	assert.Equal(t, 1, NewQueue(0).Cap(), "non-positive capacity is clamped")
}

func TestQueueFIFO(t *testing.T) {
	q := NewQueue(5)
	for i := 1; i <= 5; i++ {
		require.True(t, q.Push(Transaction{Seq: int64(i)}))
	}

	for i := 1; i <= 5; i++ {
		tx, ok := q.Pop(false)
		require.True(t, ok)
		assert.Equal(t, int64(i), tx.Seq)
	}

	_, ok := q.Pop(false)
	assert.False(t, ok, "non-blocking pop on empty queue")
}

func TestQueueFull(t *testing.T) {
	q := NewQueue(1)

	assert.True(t, q.Push(Transaction{Seq: 1}))
	assert.Equal(t, q.Cap(), q.Len())
	assert.False(t, q.Push(Transaction{Seq: 2}))
	assert.False(t, q.Push(Transaction{Seq: 3}))
	assert.ErrorIs(t, q.Offer(Transaction{Seq: 4}), ErrQueueFull)
	assert.Equal(t, 1, q.Len())

	tx, ok := q.Pop(false)
	require.True(t, ok)
	assert.Equal(t, int64(1), tx.Seq, "rejected pushes leave the queue untouched")
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := NewQueue(1)
	got := make(chan Transaction, 1)

	go func() {
		tx, ok := q.Pop(true)
		if ok {
			got <- tx
		}
	}()

	select {
	case <-got:
		t.Fatal("Pop returned before anything was pushed")
	case <-time.After(20 * time.Millisecond):
	}

	require.True(t, q.Push(Transaction{Seq: 42}))

	select {
	case tx := <-got:
		assert.Equal(t, int64(42), tx.Seq)
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for blocked Pop")
	}
}

func TestQueueCloseWakesConsumers(t *testing.T) {
	q := NewQueue(4)
	var wg sync.WaitGroup

	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := q.Pop(true)
			assert.False(t, ok)
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close did not wake blocked consumers")
	}

	assert.True(t, q.IsClosed())
	assert.False(t, q.Push(Transaction{Seq: 1}))
	assert.ErrorIs(t, q.Offer(Transaction{Seq: 1}), ErrQueueClosed)
}

func TestQueueCloseKeepsQueuedItems(t *testing.T) {
	q := NewQueue(3)
	q.Push(Transaction{Seq: 1})
	q.Push(Transaction{Seq: 2})
	q.Close()

	tx, ok := q.Pop(true)
	require.True(t, ok)
	assert.Equal(t, int64(1), tx.Seq)
	tx, ok = q.Pop(true)
	require.True(t, ok)
	assert.Equal(t, int64(2), tx.Seq)
	_, ok = q.Pop(true)
	assert.False(t, ok)
}

func TestQueueConcurrentFIFO(t *testing.T) {
	const total = 2000
	q := NewQueue(16)

	var mu sync.Mutex
	var order []int64
	var wg sync.WaitGroup

	// Consumers record the order in which items leave the queue, taking the
	// lock around Pop so the recorded order is the dequeue order.
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				closed := q.IsClosed()
				tx, ok := q.Pop(false)
				if ok {
					order = append(order, tx.Seq)
				}
				mu.Unlock()
				if !ok {
					if closed {
						return
					}
					time.Sleep(time.Microsecond)
				}
			}
		}()
	}

	for seq := int64(1); seq <= total; {
		if q.Push(Transaction{Seq: seq}) {
			seq++
			continue
		}
		assert.LessOrEqual(t, q.Len(), q.Cap())
		time.Sleep(time.Microsecond)
	}
	q.Close()
	wg.Wait()

	require.Len(t, order, total)
	for i, seq := range order {
		require.Equal(t, int64(i+1), seq, "FIFO order broken at index %d", i)
	}
}

func TestQueueStats(t *testing.T) {
	q := NewQueue(4)
	q.Push(Transaction{Seq: 1})

	stats := q.Stats()
	assert.Equal(t, QueueStats{Size: 1, Capacity: 4, Available: 3}, stats)
}

func BenchmarkQueuePushPop(b *testing.B) {
	q := NewQueue(1024)
	for i := 0; i < b.N; i++ {
		q.Push(Transaction{Seq: int64(i)})
		q.Pop(false)
	}
}
