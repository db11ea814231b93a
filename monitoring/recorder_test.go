package monitoring

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/TandS-Engine/engine"
)

// fakeClock advances by step on every reading.
type fakeClock struct {
	now  time.Time
	step time.Duration
	mu   sync.Mutex
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(c.step)
	return t
}

// lockedBuffer is a bytes.Buffer safe for concurrent reads in tests.
type lockedBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRecorderLines(t *testing.T) {
	var buf bytes.Buffer
	clock := &fakeClock{now: time.Unix(1000, 0)}
	r := NewRecorder(&buf, clock.Now)

	tx := engine.Transaction{Seq: 7, Work: 25}
	r.LogStart(5000)
	r.LogReceived(tx, "alice")
	r.LogCompleted(tx, "alice")
	r.LogDropped(engine.Transaction{Seq: 8, Work: 3}, "bob")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "Using port 5000", lines[0])
	assert.Equal(t, "1000.00 #  7 (T 25) from alice", lines[1])
	assert.Equal(t, "1000.00 #  7 (Done) from alice", lines[2])
	assert.Equal(t, "1000.00 #  8 (Drop) from bob", lines[3])

	assert.Equal(t, Counters{Received: 1, Completed: 1, Dropped: 1}, r.Counters())
}

func TestRecorderSummary(t *testing.T) {
	var buf bytes.Buffer
	clock := &fakeClock{now: time.Unix(1000, 0), step: time.Second}
	r := NewRecorder(&buf, clock.Now)

	// First received transaction pins the start of the throughput window.
	r.LogReceived(engine.Transaction{Seq: 1, Work: 5}, "alice")
	r.LogCompleted(engine.Transaction{Seq: 1, Work: 5}, "alice")
	r.LogReceived(engine.Transaction{Seq: 2, Work: 5}, "bob")
	r.LogCompleted(engine.Transaction{Seq: 2, Work: 5}, "bob")

	report := r.Summary([]engine.Client{
		{Name: "alice", Completed: 1},
		{Name: "bob", Completed: 1},
	})

	assert.Equal(t, []ClientSummary{{"alice", 1}, {"bob", 1}}, report.Clients)
	assert.Equal(t, int64(2), report.Received)
	assert.Equal(t, int64(2), report.Completed)
	assert.Equal(t, 4*time.Second, report.Elapsed)
	assert.InDelta(t, 0.5, report.Throughput, 1e-9)

	require.NoError(t, r.WriteSummary(report))
	out := buf.String()
	assert.Contains(t, out, "\nSUMMARY\n  1 transactions from alice\n  1 transactions from bob\n")
	assert.True(t, strings.HasSuffix(out, "0.50 transactions/second (2/4.00)\n"), out)
}

func TestRecorderSummaryTotalsFromClients(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0), step: time.Second}
	r := NewRecorder(&bytes.Buffer{}, clock.Now)

	// A worker has recorded its client's completion but not yet logged it.
	r.LogReceived(engine.Transaction{Seq: 1, Work: 1}, "alice")
	r.LogReceived(engine.Transaction{Seq: 2, Work: 1}, "alice")
	r.LogCompleted(engine.Transaction{Seq: 1, Work: 1}, "alice")

	report := r.Summary([]engine.Client{{Name: "alice", Completed: 2}})

	assert.Equal(t, int64(1), r.Counters().Completed)
	assert.Equal(t, int64(2), report.Completed)

	var sum int64
	for _, c := range report.Clients {
		sum += c.Completed
	}
	assert.Equal(t, sum, report.Completed)
}

func TestRecorderEmptySummary(t *testing.T) {
	var buf bytes.Buffer
	r := NewRecorder(&buf, nil)

	report := r.Summary(nil)
	assert.Empty(t, report.Clients)
	assert.Zero(t, report.Completed)
	assert.Zero(t, report.Elapsed)
	assert.Zero(t, report.Throughput)

	require.NoError(t, r.WriteSummary(report))
	assert.Equal(t, "\nSUMMARY\n0.00 transactions/second (0/0.00)\n", buf.String())
}

func TestRecorderConcurrentWrites(t *testing.T) {
	buf := &lockedBuffer{}
	r := NewRecorder(buf, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tx := engine.Transaction{Seq: int64(w*50 + i + 1), Work: i}
				r.LogReceived(tx, fmt.Sprintf("client-%d", w))
				r.LogCompleted(tx, fmt.Sprintf("client-%d", w))
			}
		}(w)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 800)
	for _, line := range lines {
		assert.Contains(t, line, " from client-", "interleaved line %q", line)
	}
	assert.Equal(t, Counters{Received: 400, Completed: 400}, r.Counters())
}

func TestOpenRunFile(t *testing.T) {
	dir := t.TempDir()

	f, err := OpenRunFile(dir)
	require.NoError(t, err)

	r := NewRecorder(f, nil)
	r.LogStart(1234)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	data, err := os.ReadFile(filepath.Join(dir, RunFileName()))
	require.NoError(t, err)
	assert.Equal(t, "Using port 1234\n", string(data))
	assert.True(t, strings.HasSuffix(RunFileName(), fmt.Sprintf(".%d", os.Getpid())))
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug", true)
	require.NoError(t, err)
	require.NotNil(t, logger)

	_, err = NewLogger("loud", false)
	assert.Error(t, err)
}
