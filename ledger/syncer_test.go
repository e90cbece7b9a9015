package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
)

func newSyncerFixture(t *testing.T, cfg SyncerConfig) (*metadata.Store, *MockAnchor, *Syncer) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := metadata.NewStore(t.TempDir()+"/meta.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	anchor := NewMockAnchor()
	return store, anchor, NewSyncer(store, anchor, cfg, log)
}

func createPending(t *testing.T, store *metadata.Store, fileID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, &metadata.FileRecord{
		FileID:      fileID,
		ContentHash: interfaces.ComputeHash([]byte(fileID)),
		LedgerSync:  metadata.LedgerSyncInfo{Status: metadata.LedgerPending},
	}))
	require.NoError(t, store.EnqueueLedgerSync(ctx, fileID))
}

func TestDrainConfirmsPending(t *testing.T) {
	store, anchor, syncer := newSyncerFixture(t, SyncerConfig{})
	ctx := context.Background()
	createPending(t, store, "f1")
	createPending(t, store, "f2")

	syncer.DrainOnce(ctx)

	for _, fileID := range []string{"f1", "f2"} {
		record, err := store.Get(ctx, fileID)
		require.NoError(t, err)
		assert.Equal(t, metadata.LedgerConfirmed, record.LedgerSync.Status)
		assert.Contains(t, record.LedgerSync.ExternalRef, "mock:")
		assert.Equal(t, record.ContentHash, anchor.Confirmed[fileID])
	}

	tasks, err := store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDrainRetriesThenConfirms(t *testing.T) {
	store, anchor, syncer := newSyncerFixture(t, SyncerConfig{MaxAttempts: 5})
	ctx := context.Background()
	createPending(t, store, "f1")

	anchor.FailFor("f1", errors.New("rpc timeout"))
	syncer.DrainOnce(ctx)

	record, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.LedgerPending, record.LedgerSync.Status)
	assert.Equal(t, 1, record.LedgerSync.Attempts)

	anchor.FailFor("f1", nil)
	syncer.DrainOnce(ctx)

	record, err = store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.LedgerConfirmed, record.LedgerSync.Status)
}

func TestDrainDropsAfterRetryBudget(t *testing.T) {
	store, anchor, syncer := newSyncerFixture(t, SyncerConfig{MaxAttempts: 3})
	ctx := context.Background()
	createPending(t, store, "f1")

	anchor.FailFor("f1", errors.New("permanently broken"))
	for i := 0; i < 4; i++ {
		syncer.DrainOnce(ctx)
	}

	record, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, metadata.LedgerFailed, record.LedgerSync.Status)

	tasks, err := store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestDrainDropsDeletedFiles(t *testing.T) {
	store, _, syncer := newSyncerFixture(t, SyncerConfig{})
	ctx := context.Background()
	createPending(t, store, "f1")

	// Delete clears the queue entry; a stale entry for a removed record is
	// also dropped without error.
	require.NoError(t, store.Delete(ctx, "f1"))
	syncer.DrainOnce(ctx)

	tasks, err := store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSyncerStartStop(t *testing.T) {
	_, _, syncer := newSyncerFixture(t, SyncerConfig{})
	syncer.Start()
	syncer.Stop()
}
