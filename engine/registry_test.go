package engine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryRegister(t *testing.T) {
	r := NewRegistry()

	id, err := r.Register(3, "alice")
	require.NoError(t, err)
	assert.Equal(t, ClientID(0), id)

	id, err = r.Register(4, " bob ")
	require.NoError(t, err)
	assert.Equal(t, ClientID(1), id)
	assert.Equal(t, "bob", r.Name(id))

	c, ok := r.Lookup(3)
	require.True(t, ok)
	assert.Equal(t, "alice", c.Name)
	assert.Equal(t, ConnID(3), c.Conn)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register(1, "alice")
	require.NoError(t, err)

	again, err := r.Register(1, "mallory")
	assert.ErrorIs(t, err, ErrDuplicateRegistration)
	assert.Equal(t, first, again)
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, "alice", r.Name(first))
}

func TestRegistryInvalidName(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(1, "   ")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, 0, r.Len())
}

func TestRegistryDetachKeepsClient(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Register(9, "alice")
	require.NoError(t, r.RecordCompletion(id))

	r.Detach(9)

	_, ok := r.Lookup(9)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Attached())

	snapshot := r.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, "alice", snapshot[0].Name)
	assert.Equal(t, int64(1), snapshot[0].Completed)

	// A new connection may register the same display name
	_, err := r.Register(10, "alice")
	assert.NoError(t, err)
	assert.Equal(t, 2, r.Len())
}

func TestRegistryRecordCompletionUnknown(t *testing.T) {
	r := NewRegistry()
	assert.ErrorIs(t, r.RecordCompletion(0), ErrUnknownClient)
	assert.ErrorIs(t, r.RecordCompletion(NoClient), ErrUnknownClient)
	assert.Equal(t, "", r.Name(5))
}

func TestRegistryConcurrentCompletions(t *testing.T) {
	r := NewRegistry()
	a, _ := r.Register(1, "a")
	b, _ := r.Register(2, "b")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = r.RecordCompletion(a)
		}()
		go func() {
			defer wg.Done()
			_ = r.RecordCompletion(b)
			_ = r.Snapshot()
		}()
	}
	wg.Wait()

	snapshot := r.Snapshot()
	assert.Equal(t, int64(50), snapshot[a].Completed)
	assert.Equal(t, int64(50), snapshot[b].Completed)
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Register(1, "alice")

	snapshot := r.Snapshot()
	snapshot[0].Completed = 99

	_ = r.RecordCompletion(id)
	assert.Equal(t, int64(1), r.Snapshot()[0].Completed)
}
