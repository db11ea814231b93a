package arrow

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleEntries() []Entry {
	base := time.UnixMicro(1_700_000_000_000_000)
	return []Entry{
		{Seq: 1, Client: "alice", Work: 5, Worker: 0, ReceivedAt: base, CompletedAt: base.Add(time.Millisecond)},
		{Seq: 2, Client: "bob", Work: 100, Worker: 3, ReceivedAt: base.Add(time.Second), CompletedAt: base.Add(2 * time.Second)},
	}
}

func TestJournalSchema(t *testing.T) {
	schema := JournalSchema("run-1")

	assert.Equal(t, 6, schema.NumFields())
	assert.Equal(t, "seq", schema.Field(0).Name)
	assert.Equal(t, arrow.PrimitiveTypes.Int64, schema.Field(0).Type)
	assert.Equal(t, "completed_at", schema.Field(5).Name)

	md := schema.Metadata()
	idx := md.FindKey(RunIDKey)
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, "run-1", md.Values()[idx])
}

func TestJournalRoundTrip(t *testing.T) {
	j := NewJournal("run-42")
	for _, e := range sampleEntries() {
		j.Append(e)
	}
	assert.Equal(t, 2, j.Len())

	var buf bytes.Buffer
	require.NoError(t, j.WriteTo(&buf))

	entries, runID, err := ReadJournal(&buf)
	require.NoError(t, err)
	assert.Equal(t, "run-42", runID)
	require.Len(t, entries, 2)

	for i, want := range sampleEntries() {
		got := entries[i]
		assert.Equal(t, want.Seq, got.Seq)
		assert.Equal(t, want.Client, got.Client)
		assert.Equal(t, want.Work, got.Work)
		assert.Equal(t, want.Worker, got.Worker)
		assert.True(t, want.ReceivedAt.Equal(got.ReceivedAt))
		assert.True(t, want.CompletedAt.Equal(got.CompletedAt))
	}
}

func TestJournalEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewJournal("empty").WriteTo(&buf))

	entries, runID, err := ReadJournal(&buf)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Equal(t, "empty", runID)
}

func TestJournalWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.arrow")

	j := NewJournal("file-run")
	j.Append(sampleEntries()[0])
	require.NoError(t, j.WriteFile(path))

	entries, runID, err := ReadJournalFile(path)
	require.NoError(t, err)
	assert.Equal(t, "file-run", runID)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Client)
}

func TestJournalConcurrentAppend(t *testing.T) {
	j := NewJournal("concurrent")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				j.Append(Entry{Seq: int64(i*100 + k + 1)})
			}
		}(i)
	}
	wg.Wait()

	rec := j.Record()
	defer rec.Release()
	assert.Equal(t, int64(1600), rec.NumRows())
}

func TestReadJournalSchemaMismatch(t *testing.T) {
	mem := memory.NewGoAllocator()
	schema := arrow.NewSchema([]arrow.Field{{Name: "int32_col", Type: arrow.PrimitiveTypes.Int32}}, nil)

	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()
	b.Field(0).(*array.Int32Builder).AppendValues([]int32{1, 2, 3}, nil)
	rec := b.NewRecord()
	defer rec.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(schema))
	require.NoError(t, writer.Write(rec))
	require.NoError(t, writer.Close())

	_, _, err := ReadJournal(&buf)
	assert.ErrorIs(t, err, ErrSchemaMismatch)
}
