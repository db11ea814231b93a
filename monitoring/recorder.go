package monitoring

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/VanDung-dev/TandS-Engine/engine"
)

// ClientSummary is the per-client line of a Report.
type ClientSummary struct {
	Name      string `json:"name"`
	Completed int64  `json:"completed"`
}

// Report is the end-of-run summary.
type Report struct {
	Clients    []ClientSummary `json:"clients"`
	Received   int64           `json:"received"`
	Completed  int64           `json:"completed"`
	Dropped    int64           `json:"dropped"`
	Elapsed    time.Duration   `json:"elapsed"`
	Throughput float64         `json:"throughput"`
}

// Counters holds the global transaction counters.
type Counters struct {
	Received  int64 `json:"received"`
	Completed int64 `json:"completed"`
	Dropped   int64 `json:"dropped"`
}

// Recorder writes the transaction record of one run. Every write happens
// under a single mutex so lines from concurrent workers never interleave.
type Recorder struct {
	w      io.Writer
	closer io.Closer
	clock  func() time.Time

	counters Counters
	first    time.Time
	started  bool
	mu       sync.Mutex
}

// NewRecorder creates a recorder writing to w. A nil clock means time.Now.
func NewRecorder(w io.Writer, clock func() time.Time) *Recorder {
	if w == nil {
		w = io.Discard
	}
	if clock == nil {
		clock = time.Now
	}
	r := &Recorder{w: w, clock: clock}
	if c, ok := w.(io.Closer); ok {
		r.closer = c
	}
	return r
}

// RunFileName returns the per-run record name "<hostname>.<pid>".
func RunFileName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return fmt.Sprintf("%s.%d", host, os.Getpid())
}

// OpenRunFile creates the per-run record file in dir.
func OpenRunFile(dir string) (*os.File, error) {
	if dir == "" {
		dir = "."
	}
	path := filepath.Join(dir, RunFileName())
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open record file %s: %w", path, err)
	}
	return f, nil
}

func (r *Recorder) stamp() float64 {
	return float64(r.clock().UnixNano()) / float64(time.Second)
}

// writef must be called with r.mu held.
func (r *Recorder) writef(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(r.w, format, args...)
}

// LogStart records the listening port.
func (r *Recorder) LogStart(port int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writef("Using port %d\n", port)
}

// LogRegistration records a new client.
func (r *Recorder) LogRegistration(name string, conn engine.ConnID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writef("%.2f Registered %s (conn %d)\n", r.stamp(), name, conn)
}

// LogReceived records a transaction accepted off the wire. The first call
// starts the throughput clock.
func (r *Recorder) LogReceived(tx engine.Transaction, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	if !r.started {
		r.started = true
		r.first = now
	}
	r.counters.Received++
	r.writef("%.2f #%3d (T%3d) from %s\n", float64(now.UnixNano())/float64(time.Second), tx.Seq, tx.Work, name)
}

// LogCompleted records a transaction whose reply has been sent.
func (r *Recorder) LogCompleted(tx engine.Transaction, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters.Completed++
	r.writef("%.2f #%3d (Done) from %s\n", r.stamp(), tx.Seq, name)
}

// LogDropped records a transaction rejected by a full queue.
func (r *Recorder) LogDropped(tx engine.Transaction, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counters.Dropped++
	r.writef("%.2f #%3d (Drop) from %s\n", r.stamp(), tx.Seq, name)
}

// Counters returns a copy of the global counters.
func (r *Recorder) Counters() Counters {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counters
}

// Summary builds the run report from a registry snapshot. The completed
// total is the sum of the per-client counts, so the report agrees with
// itself even while workers are still finishing. Throughput is completed
// transactions per second since the first received transaction.
func (r *Recorder) Summary(clients []engine.Client) Report {
	r.mu.Lock()
	defer r.mu.Unlock()

	report := Report{
		Clients:  make([]ClientSummary, 0, len(clients)),
		Received: r.counters.Received,
		Dropped:  r.counters.Dropped,
	}
	for _, c := range clients {
		report.Clients = append(report.Clients, ClientSummary{Name: c.Name, Completed: c.Completed})
		report.Completed += c.Completed
	}

	if r.started {
		report.Elapsed = r.clock().Sub(r.first)
		if secs := report.Elapsed.Seconds(); secs > 0 {
			report.Throughput = float64(report.Completed) / secs
		}
	}

	return report
}

// WriteSummary appends the report to the record.
func (r *Recorder) WriteSummary(report Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := fmt.Fprintf(r.w, "\nSUMMARY\n"); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	for _, c := range report.Clients {
		r.writef("  %d transactions from %s\n", c.Completed, c.Name)
	}
	r.writef("%.2f transactions/second (%d/%.2f)\n",
		report.Throughput, report.Completed, report.Elapsed.Seconds())

	if s, ok := r.w.(interface{ Sync() error }); ok {
		if err := s.Sync(); err != nil {
			return fmt.Errorf("failed to sync record: %w", err)
		}
	}
	return nil
}

// Close closes the underlying writer if it is closable.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
