package arrow

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// RunIDKey is the schema metadata key holding the run identifier.
const RunIDKey = "run_id"

// ErrSchemaMismatch is returned when reading a stream that is not a journal.
var ErrSchemaMismatch = errors.New("stream does not match journal schema")

// Entry is one completed transaction.
type Entry struct {
	Seq         int64
	Client      string
	Work        int
	Worker      int
	ReceivedAt  time.Time
	CompletedAt time.Time
}

// JournalSchema returns the Arrow schema of a journal.
//
// Fields:
//   - seq: int64 - global sequence number
//   - client: string - client display name
//   - work: int64 - requested work amount
//   - worker: int32 - worker that executed the transaction
//   - received_at: timestamp[us] - receipt time
//   - completed_at: timestamp[us] - acknowledgement time
func JournalSchema(runID string) *arrow.Schema {
	md := arrow.NewMetadata([]string{RunIDKey}, []string{runID})
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
			{Name: "client", Type: arrow.BinaryTypes.String},
			{Name: "work", Type: arrow.PrimitiveTypes.Int64},
			{Name: "worker", Type: arrow.PrimitiveTypes.Int32},
			{Name: "received_at", Type: arrow.FixedWidthTypes.Timestamp_us},
			{Name: "completed_at", Type: arrow.FixedWidthTypes.Timestamp_us},
		},
		&md,
	)
}

// Journal collects completed transactions for one run.
type Journal struct {
	runID     string
	entries   []Entry
	allocator memory.Allocator
	mu        sync.Mutex
}

// NewJournal creates an empty journal tagged with runID.
func NewJournal(runID string) *Journal {
	return &Journal{
		runID:     runID,
		entries:   make([]Entry, 0, 1024),
		allocator: memory.DefaultAllocator,
	}
}

// Append adds one entry. Safe for concurrent use.
func (j *Journal) Append(e Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Record builds an Arrow record from the current entries.
// The caller must Release it.
func (j *Journal) Record() arrow.Record {
	j.mu.Lock()
	entries := make([]Entry, len(j.entries))
	copy(entries, j.entries)
	j.mu.Unlock()

	b := array.NewRecordBuilder(j.allocator, JournalSchema(j.runID))
	defer b.Release()

	seq := b.Field(0).(*array.Int64Builder)
	client := b.Field(1).(*array.StringBuilder)
	work := b.Field(2).(*array.Int64Builder)
	worker := b.Field(3).(*array.Int32Builder)
	receivedAt := b.Field(4).(*array.TimestampBuilder)
	completedAt := b.Field(5).(*array.TimestampBuilder)

	for _, e := range entries {
		seq.Append(e.Seq)
		client.Append(e.Client)
		work.Append(int64(e.Work))
		worker.Append(int32(e.Worker)) // #nosec G115 - worker ids are small
		receivedAt.Append(arrow.Timestamp(e.ReceivedAt.UnixMicro()))
		completedAt.Append(arrow.Timestamp(e.CompletedAt.UnixMicro()))
	}

	return b.NewRecord()
}

// WriteTo writes the journal as an Arrow IPC stream with a single record batch.
func (j *Journal) WriteTo(w io.Writer) error {
	record := j.Record()
	defer record.Release()

	writer := ipc.NewWriter(w, ipc.WithSchema(record.Schema()), ipc.WithAllocator(j.allocator))
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close writer: %w", err)
	}
	return nil
}

// WriteFile writes the journal to path, replacing any existing file.
func (j *Journal) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create journal %s: %w", path, err)
	}

	bw := bufio.NewWriter(f)
	if err := j.WriteTo(bw); err != nil {
		_ = f.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	return f.Close()
}

// ReadJournal decodes a journal stream. It returns the entries and the run ID.
func ReadJournal(r io.Reader) ([]Entry, string, error) {
	reader, err := ipc.NewReader(r)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create reader: %w", err)
	}
	defer reader.Release()

	schema := reader.Schema()
	if !matchesJournal(schema) {
		return nil, "", ErrSchemaMismatch
	}

	runID := ""
	md := schema.Metadata()
	if idx := md.FindKey(RunIDKey); idx >= 0 {
		runID = md.Values()[idx]
	}

	var entries []Entry
	for reader.Next() {
		rec := reader.Record()

		seq := rec.Column(0).(*array.Int64)
		client := rec.Column(1).(*array.String)
		work := rec.Column(2).(*array.Int64)
		worker := rec.Column(3).(*array.Int32)
		receivedAt := rec.Column(4).(*array.Timestamp)
		completedAt := rec.Column(5).(*array.Timestamp)

		for i := 0; i < int(rec.NumRows()); i++ {
			entries = append(entries, Entry{
				Seq:         seq.Value(i),
				Client:      client.Value(i),
				Work:        int(work.Value(i)),
				Worker:      int(worker.Value(i)),
				ReceivedAt:  time.UnixMicro(int64(receivedAt.Value(i))),
				CompletedAt: time.UnixMicro(int64(completedAt.Value(i))),
			})
		}
	}

	if reader.Err() != nil {
		return nil, "", fmt.Errorf("error reading journal: %w", reader.Err())
	}
	return entries, runID, nil
}

// matchesJournal compares field names and types, ignoring metadata.
func matchesJournal(schema *arrow.Schema) bool {
	want := JournalSchema("").Fields()
	got := schema.Fields()
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i].Name != want[i].Name || !arrow.TypeEqual(got[i].Type, want[i].Type) {
			return false
		}
	}
	return true
}

// ReadJournalFile decodes the journal at path.
func ReadJournalFile(path string) ([]Entry, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", fmt.Errorf("failed to open journal %s: %w", path, err)
	}
	defer f.Close()
	return ReadJournal(bufio.NewReader(f))
}
