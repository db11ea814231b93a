package arrow

import (
	"bytes"
	"testing"
	"time"
)

// FuzzJournalRoundTrip tests that any entry survives an IPC round trip.
// Run with: go test -fuzz=FuzzJournalRoundTrip -fuzztime=30s ./arrow/
func FuzzJournalRoundTrip(f *testing.F) {
	f.Add(int64(1), "alice", 5, int32(0), int64(1_700_000_000_000_000))
	f.Add(int64(0), "", 0, int32(-1), int64(0))
	f.Add(int64(1<<62), "名前", 1<<20, int32(15), int64(-1))

	f.Fuzz(func(t *testing.T, seq int64, client string, work int, worker int32, micros int64) {
		// Halved so the completion time stays representable
		at := time.UnixMicro(micros / 2)
		in := Entry{
			Seq:         seq,
			Client:      client,
			Work:        work,
			Worker:      int(worker),
			ReceivedAt:  at,
			CompletedAt: at.Add(time.Microsecond),
		}

		j := NewJournal("fuzz")
		j.Append(in)

		var buf bytes.Buffer
		if err := j.WriteTo(&buf); err != nil {
			t.Fatalf("write failed: %v", err)
		}
		entries, runID, err := ReadJournal(&buf)
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if runID != "fuzz" || len(entries) != 1 {
			t.Fatalf("got run %q with %d entries", runID, len(entries))
		}

		out := entries[0]
		if out.Seq != in.Seq || out.Client != in.Client || out.Work != in.Work || out.Worker != in.Worker {
			t.Fatalf("round trip mismatch: %+v != %+v", out, in)
		}
		if !out.ReceivedAt.Equal(in.ReceivedAt) || !out.CompletedAt.Equal(in.CompletedAt) {
			t.Fatalf("timestamps changed: %+v != %+v", out, in)
		}
	})
}
