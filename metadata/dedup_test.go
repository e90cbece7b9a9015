package metadata

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

func TestDedupRecordAndLookup(t *testing.T) {
	index := NewDedupIndex(newTestStore(t))
	hash := interfaces.ComputeHash([]byte("content"))

	_, ok, err := index.Lookup(hash)
	require.NoError(t, err)
	assert.False(t, ok)

	winner, err := index.Record(hash, "f1")
	require.NoError(t, err)
	assert.Equal(t, "f1", winner)

	fileID, ok, err := index.Lookup(hash)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "f1", fileID)
}

func TestDedupFirstWriterWins(t *testing.T) {
	index := NewDedupIndex(newTestStore(t))
	hash := interfaces.ComputeHash([]byte("raced"))

	winner, err := index.Record(hash, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", winner)

	winner, err = index.Record(hash, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", winner)
}

func TestDedupConcurrentClaims(t *testing.T) {
	index := NewDedupIndex(newTestStore(t))
	hash := interfaces.ComputeHash([]byte("concurrent"))

	winners := make([]string, 10)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			winner, err := index.Record(hash, string(rune('a'+i)))
			assert.NoError(t, err)
			winners[i] = winner
		}(i)
	}
	wg.Wait()

	// Every claim must resolve to the same winner.
	for _, w := range winners {
		assert.Equal(t, winners[0], w)
	}
}

func TestDedupRemoveOnlyOwner(t *testing.T) {
	index := NewDedupIndex(newTestStore(t))
	hash := interfaces.ComputeHash([]byte("owned"))

	_, err := index.Record(hash, "f1")
	require.NoError(t, err)

	// A stale delete from a different file must not clear the mapping.
	require.NoError(t, index.Remove(hash, "f2"))
	_, ok, err := index.Lookup(hash)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, index.Remove(hash, "f1"))
	_, ok, err = index.Lookup(hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLedgerQueueLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))
	require.NoError(t, store.Create(ctx, sampleRecord("f2")))

	require.NoError(t, store.EnqueueLedgerSync(ctx, "f1"))
	require.NoError(t, store.EnqueueLedgerSync(ctx, "f2"))
	// Re-enqueue is a no-op.
	require.NoError(t, store.EnqueueLedgerSync(ctx, "f1"))

	tasks, err := store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	attempts, err := store.BumpLedgerAttempts(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)

	require.NoError(t, store.ConfirmLedgerSync(ctx, "f1", "0xabc123"))
	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, LedgerConfirmed, got.LedgerSync.Status)
	assert.Equal(t, "0xabc123", got.LedgerSync.ExternalRef)

	require.NoError(t, store.DropLedgerSync(ctx, "f2"))
	got, err = store.Get(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, LedgerFailed, got.LedgerSync.Status)

	tasks, err = store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}
