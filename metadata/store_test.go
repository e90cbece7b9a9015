package metadata

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir()+"/meta.db", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleRecord(fileID string) *FileRecord {
	return &FileRecord{
		FileID:       fileID,
		OriginalName: "report.pdf",
		DeclaredType: "application/pdf",
		SizeBytes:    2048,
		ContentHash:  interfaces.ComputeHash([]byte(fileID)),
		FinalHash:    interfaces.ComputeHash([]byte(fileID)),
		StoragePlacements: []StoragePlacement{{
			BackendName: "file-primary",
			Key:         "ab/cd",
			Role:        interfaces.RolePrimary,
		}},
		Access:     AccessInfo{Owner: "alice"},
		LedgerSync: LedgerSyncInfo{Status: LedgerPending},
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, "report.pdf", got.OriginalName)
	assert.False(t, got.CreatedAt.IsZero())

	// Duplicate create is rejected.
	assert.Error(t, store.Create(ctx, sampleRecord("f1")))
}

func TestGetMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "nope")
	var notFound *interfaces.NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "nope", notFound.FileID)
}

func TestUpdateBumpsVersion(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	updated, err := store.Update(ctx, "f1", func(r *FileRecord) error {
		r.Description = "quarterly report"
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "quarterly report", updated.Description)

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Version)
}

func TestUpdateDoesNotMutateCachedCopy(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	before, err := store.Get(ctx, "f1")
	require.NoError(t, err)

	_, err = store.Update(ctx, "f1", func(r *FileRecord) error {
		r.Tags = append(r.Tags, "finance")
		return nil
	})
	require.NoError(t, err)

	assert.Empty(t, before.Tags)
}

func TestHistoryRetention(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	for i := 0; i < historyDepth+4; i++ {
		_, err := store.Update(ctx, "f1", func(r *FileRecord) error {
			r.Description = fmt.Sprintf("rev %d", i)
			return nil
		})
		require.NoError(t, err)
	}

	history, err := store.History(ctx, "f1")
	require.NoError(t, err)
	require.Len(t, history, historyDepth)

	// Oldest retained version follows the pruning window; the newest is
	// the current one.
	assert.Equal(t, historyDepth+5, history[len(history)-1].Version)
	assert.Equal(t, 6, history[0].Version)
}

func TestConcurrentUpdatesLoseNoWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "f1", func(r *FileRecord) error {
				r.Access.DownloadCount++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(20), got.Access.DownloadCount)
	assert.Equal(t, 21, got.Version)
}

func TestRecordAccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	require.NoError(t, store.RecordAccess(ctx, "f1"))

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Access.DownloadCount)
	require.NotNil(t, got.Access.LastAccessedAt)
	assert.WithinDuration(t, time.Now(), *got.Access.LastAccessedAt, time.Minute)
}

func TestShareAndRevoke(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))

	grant, err := store.Share(ctx, "f1", "bob", "alice", []string{"read"}, nil)
	require.NoError(t, err)
	assert.True(t, grant.Active)
	assert.NotEmpty(t, grant.ShareID)

	require.NoError(t, store.RevokeShare(ctx, "f1", grant.ShareID))

	got, err := store.Get(ctx, "f1")
	require.NoError(t, err)
	// Revoked grants stay in the ledger, deactivated.
	require.Len(t, got.Access.Shares, 1)
	assert.False(t, got.Access.Shares[0].Active)

	assert.Error(t, store.RevokeShare(ctx, "f1", "no-such-share"))
}

func TestDeleteRemovesEverything(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleRecord("f1")))
	require.NoError(t, store.EnqueueLedgerSync(ctx, "f1"))

	require.NoError(t, store.Delete(ctx, "f1"))

	_, err := store.Get(ctx, "f1")
	var notFound *interfaces.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	history, err := store.History(ctx, "f1")
	require.NoError(t, err)
	assert.Empty(t, history)

	tasks, err := store.PendingLedgerSync(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSearchFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []*FileRecord{
		{FileID: "a", OriginalName: "budget.xlsx", DeclaredType: "application/vnd.ms-excel", SizeBytes: 100, Category: "finance", Access: AccessInfo{Owner: "alice"}},
		{FileID: "b", OriginalName: "holiday.jpg", DeclaredType: "image/jpeg", SizeBytes: 5000, Category: "photos", Access: AccessInfo{Owner: "alice"}, Tags: []string{"beach", "summer"}},
		{FileID: "c", OriginalName: "notes.txt", DeclaredType: "text/plain", SizeBytes: 50, Category: "misc", Access: AccessInfo{Owner: "bob"}},
	}
	for _, r := range records {
		require.NoError(t, store.Create(ctx, r))
	}

	res, err := store.Search(ctx, SearchFilter{Owner: "alice"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)

	res, err = store.Search(ctx, SearchFilter{TypePrefix: "image/"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "b", res.Records[0].FileID)

	res, err = store.Search(ctx, SearchFilter{Text: "BEACH"})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "b", res.Records[0].FileID)

	res, err = store.Search(ctx, SearchFilter{MinSize: 60, MaxSize: 200})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, "a", res.Records[0].FileID)
}

func TestSearchSortAndPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for i, size := range []int64{300, 100, 200} {
		require.NoError(t, store.Create(ctx, &FileRecord{
			FileID:       fmt.Sprintf("f%d", i),
			OriginalName: fmt.Sprintf("file-%d", i),
			SizeBytes:    size,
			Access:       AccessInfo{Owner: "alice"},
		}))
	}

	res, err := store.Search(ctx, SearchFilter{SortBy: "sizeBytes", Descending: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	require.Len(t, res.Records, 2)
	assert.Equal(t, int64(300), res.Records[0].SizeBytes)
	assert.Equal(t, int64(200), res.Records[1].SizeBytes)

	res, err = store.Search(ctx, SearchFilter{SortBy: "sizeBytes", Descending: true, Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, res.Records, 1)
	assert.Equal(t, int64(100), res.Records[0].SizeBytes)
}

func TestRedactedStripsKeyRef(t *testing.T) {
	record := sampleRecord("f1")
	record.Provenance.Encrypted = true
	record.Provenance.EncryptionKeyRef = "vault:abc"

	redacted := record.Redacted()
	assert.Empty(t, redacted.Provenance.EncryptionKeyRef)
	assert.True(t, redacted.Provenance.Encrypted)
	assert.Equal(t, "vault:abc", record.Provenance.EncryptionKeyRef)
}
