package engine

import (
	"sync/atomic"
	"time"
)

// WorkFunc executes n units of work synchronously.
type WorkFunc func(n int)

// transSink keeps the busy loop from being optimized away.
var transSink int64

// Trans burns CPU proportional to n. Amounts above MaxWork are clamped.
func Trans(n int) {
	if n <= 0 {
		return
	}
	if n > MaxWork {
		n = MaxWork
	}
	var j int64
	limit := int64(n) * 100000
	for i := int64(0); i < limit; i++ {
		j += i ^ (i+1)%int64(n)
	}
	atomic.AddInt64(&transSink, j)
}

// Sleep pauses for n units of 10ms.
func Sleep(n int) {
	if n <= 0 {
		return
	}
	time.Sleep(time.Duration(n) * 10 * time.Millisecond)
}
