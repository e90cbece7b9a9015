package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/keystore"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/placement"
	"github.com/cobaltvault/storage-orchestration-backend/storage"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
	"github.com/cobaltvault/storage-orchestration-backend/validation"
)

type env struct {
	orch     *Orchestrator
	store    *metadata.Store
	primary  *storage.FileBackend
	archival *storage.FileBackend
	monitor  *placement.HealthMonitor
	keys     *spyKeyStore

	primaryDir  string
	archivalDir string
}

// spyKeyStore records key references passing through the keystore.
type spyKeyStore struct {
	inner   keystore.KeyStore
	saved   []string
	deleted []string
}

func (s *spyKeyStore) Save(ctx context.Context, key []byte) (string, error) {
	ref, err := s.inner.Save(ctx, key)
	if err == nil {
		s.saved = append(s.saved, ref)
	}
	return ref, err
}

func (s *spyKeyStore) Load(ctx context.Context, ref string) ([]byte, error) {
	return s.inner.Load(ctx, ref)
}

func (s *spyKeyStore) Delete(ctx context.Context, ref string) error {
	err := s.inner.Delete(ctx, ref)
	if err == nil {
		s.deleted = append(s.deleted, ref)
	}
	return err
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()

	if cfg.WorkDir == "" {
		cfg.WorkDir = root + "/work"
	}
	require.NoError(t, os.MkdirAll(cfg.WorkDir, 0755))

	primaryDir := root + "/primary"
	archivalDir := root + "/archival"
	primary, err := storage.NewFileBackend(primaryDir, 0, log)
	require.NoError(t, err)
	archival, err := storage.NewFileBackend(archivalDir, 0, log)
	require.NoError(t, err)

	backends := []interfaces.StorageBackend{primary, archival}
	monitor := placement.NewHealthMonitor(backends, time.Minute, log)
	monitor.ProbeOnce(context.Background())

	strategy, err := placement.NewStrategy(
		placement.DefaultConfig(primary.Name(), archival.Name()), backends, monitor)
	require.NoError(t, err)

	store, err := metadata.NewStore(root+"/meta.db", log)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dedup := metadata.NewDedupIndex(store)
	pipeline := transform.NewPipeline(dedup, cfg.WorkDir, log)
	uploader := placement.NewUploader(strategy, log)
	validator := validation.New(validation.Config{SpoolDir: cfg.WorkDir}, log)
	keys := &spyKeyStore{inner: keystore.NewMemoryKeyStore(nil)}

	return &env{
		orch:        New(cfg, validator, pipeline, uploader, strategy, store, dedup, keys, log),
		store:       store,
		primary:     primary,
		archival:    archival,
		monitor:     monitor,
		keys:        keys,
		primaryDir:  primaryDir,
		archivalDir: archivalDir,
	}
}

// corruptObject overwrites a stored object's bytes in place.
func corruptObject(t *testing.T, backendDir, key string) {
	t.Helper()
	path := filepath.Join(backendDir, "objects", filepath.FromSlash(key))
	require.NoError(t, os.WriteFile(path, []byte("corrupted bytes"), 0644))
}

func (e *env) upload(t *testing.T, name string, data []byte, flags interfaces.UploadFlags) *UploadOutcome {
	t.Helper()
	outcome, err := e.orch.ProcessUpload(context.Background(), "tester", bytes.NewReader(data), UploadMetadata{
		Name:     name,
		SizeHint: int64(len(data)),
		Owner:    "tester",
	}, flags)
	require.NoError(t, err)
	return outcome
}

func (e *env) download(t *testing.T, fileID string) []byte {
	t.Helper()
	r, _, err := e.orch.RetrieveFile(context.Background(), "tester", fileID)
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return data
}

func TestUploadHelloRoundTrip(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("hello")

	outcome := e.upload(t, "hello.txt", content, interfaces.UploadFlags{})
	assert.NotEmpty(t, outcome.FileID)
	assert.False(t, outcome.Deduplicated)
	assert.False(t, outcome.Summary.Chunked)

	// With no transforms the final hash is the content hash.
	want := sha256.Sum256(content)
	assert.Equal(t, interfaces.ContentHash(want), outcome.FinalHash)

	record, err := e.store.Get(context.Background(), outcome.FileID)
	require.NoError(t, err)
	primary, ok := record.PrimaryPlacement()
	require.True(t, ok)
	assert.Equal(t, e.primary.Name(), primary.BackendName)

	assert.Equal(t, content, e.download(t, outcome.FileID))
}

func TestUploadChunksLargeFile(t *testing.T) {
	e := newEnv(t, Config{ChunkSize: 64 << 10})
	// Above the small-file ceiling so no backup placement applies, and
	// larger than the chunk size so the multipart path runs.
	data := bytes.Repeat([]byte("0123456789abcdef"), (11<<20)/16)

	outcome := e.upload(t, "big.bin", data, interfaces.UploadFlags{})
	assert.True(t, outcome.Summary.Chunked)
	wantChunks := (len(data) + (64 << 10) - 1) / (64 << 10)
	assert.Equal(t, wantChunks, outcome.Summary.ChunkCount)

	require.Len(t, outcome.Placements, 1)
	assert.Equal(t, interfaces.RolePrimary, outcome.Placements[0].Role)

	assert.Equal(t, data, e.download(t, outcome.FileID))
}

func TestUploadDeduplicates(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("identical bytes")

	first := e.upload(t, "one.txt", content, interfaces.UploadFlags{})
	second := e.upload(t, "two.txt", content, interfaces.UploadFlags{})

	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.FileID, second.FileID)
	assert.Equal(t, first.FinalHash, second.FinalHash)
}

func TestUploadDisableDedupStoresAgain(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("identical bytes")

	first := e.upload(t, "one.txt", content, interfaces.UploadFlags{})
	second := e.upload(t, "two.txt", content, interfaces.UploadFlags{DisableDedup: true})

	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.FileID, second.FileID)
}

func TestUploadEncrypted(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("secret payload")

	outcome := e.upload(t, "secret.txt", content, interfaces.UploadFlags{Encrypt: true})
	assert.True(t, outcome.Summary.Encrypted)
	assert.NotEqual(t, interfaces.ComputeHash(content), outcome.FinalHash)

	record, err := e.orch.GetFileRecord(context.Background(), "tester", outcome.FileID, true)
	require.NoError(t, err)
	assert.NotEmpty(t, record.Provenance.EncryptionKeyRef)

	// Redacted view hides the key reference.
	redacted, err := e.orch.GetFileRecord(context.Background(), "tester", outcome.FileID, false)
	require.NoError(t, err)
	assert.Empty(t, redacted.Provenance.EncryptionKeyRef)

	assert.Equal(t, content, e.download(t, outcome.FileID))
}

func TestUploadCompressed(t *testing.T) {
	e := newEnv(t, Config{CompressUploads: true, CompressThreshold: 1})
	content := bytes.Repeat([]byte("compressible "), 4096)

	outcome := e.upload(t, "log.txt", content, interfaces.UploadFlags{})
	assert.True(t, outcome.Summary.Compressed)
	assert.Less(t, outcome.Summary.CompressionRatio, 1.0)

	assert.Equal(t, content, e.download(t, outcome.FileID))
}

func TestUploadRejectedByValidation(t *testing.T) {
	e := newEnv(t, Config{})

	_, err := e.orch.ProcessUpload(context.Background(), "tester",
		strings.NewReader("MZ..."), UploadMetadata{Name: "evil.exe"}, interfaces.UploadFlags{})
	var validationErr *interfaces.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.NotEmpty(t, validationErr.Reasons)
}

func TestPermanentFallsBackWhenArchivalUnhealthy(t *testing.T) {
	e := newEnv(t, Config{})
	// Make the archival backend unreachable and reprobe.
	require.NoError(t, os.RemoveAll(e.archivalDir))
	e.monitor.ProbeOnce(context.Background())

	outcome := e.upload(t, "keep.txt", []byte("forever"), interfaces.UploadFlags{Permanent: true})
	require.Len(t, outcome.Placements, 1)
	assert.Equal(t, interfaces.RolePrimary, outcome.Placements[0].Role)
	assert.Equal(t, e.primary.Name(), outcome.Placements[0].BackendName)
}

func TestIntegrityFailureFallsBackToBackup(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("verify me")

	// Small file gets primary + archival backup.
	outcome := e.upload(t, "note.txt", content, interfaces.UploadFlags{})
	require.Len(t, outcome.Placements, 2)

	// Corrupt the primary copy on disk.
	key := outcome.Placements[0].Key
	corruptObject(t, e.primaryDir, key)

	assert.Equal(t, content, e.download(t, outcome.FileID))
}

func TestAllPlacementsCorruptFailsWithCauses(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("doomed data")

	outcome := e.upload(t, "note.txt", content, interfaces.UploadFlags{})
	require.Len(t, outcome.Placements, 2)
	corruptObject(t, e.primaryDir, outcome.Placements[0].Key)
	corruptObject(t, e.archivalDir, outcome.Placements[1].Key)

	_, _, err := e.orch.RetrieveFile(context.Background(), "tester", outcome.FileID)
	var failed *interfaces.RetrievalFailedError
	require.ErrorAs(t, err, &failed)
	assert.Len(t, failed.Causes, 2)
}

func TestRemoveFileDeletesPlacementsAndRecord(t *testing.T) {
	e := newEnv(t, Config{})
	outcome := e.upload(t, "gone.txt", []byte("temporary"), interfaces.UploadFlags{})
	require.Len(t, outcome.Placements, 2)

	report, err := e.orch.RemoveFile(context.Background(), "tester", outcome.FileID)
	require.NoError(t, err)
	assert.True(t, report.RecordDeleted)
	assert.Len(t, report.Removed, 2)
	assert.Empty(t, report.Failed)

	_, err = e.orch.GetFileRecord(context.Background(), "tester", outcome.FileID, false)
	var notFound *interfaces.NotFoundError
	assert.ErrorAs(t, err, &notFound)

	// Removal clears the dedup claim, so a re-upload stores fresh bytes.
	again := e.upload(t, "gone.txt", []byte("temporary"), interfaces.UploadFlags{})
	assert.False(t, again.Deduplicated)
}

// blockObjectDelete swaps a stored object for a non-empty directory so the
// backend's delete fails. Returns the path so the caller can clear it.
func blockObjectDelete(t *testing.T, backendDir, key string) string {
	t.Helper()
	path := filepath.Join(backendDir, "objects", filepath.FromSlash(key))
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.MkdirAll(filepath.Join(path, "pin"), 0755))
	return path
}

func TestRemoveFilePartialFailureRetainsRecord(t *testing.T) {
	e := newEnv(t, Config{})
	outcome := e.upload(t, "sticky.txt", []byte("hard to remove"), interfaces.UploadFlags{})
	require.Len(t, outcome.Placements, 2)

	backup := outcome.Placements[1]
	require.Equal(t, e.archival.Name(), backup.BackendName)
	blocked := blockObjectDelete(t, e.archivalDir, backup.Key)

	report, err := e.orch.RemoveFile(context.Background(), "tester", outcome.FileID)
	require.NoError(t, err)
	assert.False(t, report.RecordDeleted)
	assert.Contains(t, report.Removed, e.primary.Name())
	require.Contains(t, report.Failed, e.archival.Name())
	assert.NotEmpty(t, report.Failed[e.archival.Name()])

	// The record survives a partial removal so it can be retried.
	_, err = e.store.Get(context.Background(), outcome.FileID)
	require.NoError(t, err)

	// Clear the fault; the retry finishes the job. The already-deleted
	// primary copy is not an error on the second pass.
	require.NoError(t, os.RemoveAll(blocked))
	report, err = e.orch.RemoveFile(context.Background(), "tester", outcome.FileID)
	require.NoError(t, err)
	assert.True(t, report.RecordDeleted)
	assert.Empty(t, report.Failed)

	_, err = e.store.Get(context.Background(), outcome.FileID)
	var notFound *interfaces.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestUploadFailureDiscardsEncryptionKey(t *testing.T) {
	e := newEnv(t, Config{})
	require.NoError(t, os.RemoveAll(e.primaryDir))
	require.NoError(t, os.RemoveAll(e.archivalDir))
	e.monitor.ProbeOnce(context.Background())

	_, err := e.orch.ProcessUpload(context.Background(), "tester",
		strings.NewReader("secret payload"), UploadMetadata{Name: "secret.txt"},
		interfaces.UploadFlags{Encrypt: true})
	require.Error(t, err)

	// The key saved ahead of the failed upload must not linger: no record
	// points at it.
	require.Len(t, e.keys.saved, 1)
	assert.Equal(t, e.keys.saved, e.keys.deleted)
}

func TestStaleDedupEntryRepaired(t *testing.T) {
	e := newEnv(t, Config{})
	content := []byte("orphaned index entry")
	first := e.upload(t, "one.txt", content, interfaces.UploadFlags{})

	// Drop the record directly, leaving the dedup index pointing at a file
	// that no longer exists.
	require.NoError(t, e.store.Delete(context.Background(), first.FileID))

	second := e.upload(t, "two.txt", content, interfaces.UploadFlags{})
	assert.False(t, second.Deduplicated)
	assert.NotEqual(t, first.FileID, second.FileID)

	// The repaired index claims the replacement file.
	third := e.upload(t, "three.txt", content, interfaces.UploadFlags{})
	assert.True(t, third.Deduplicated)
	assert.Equal(t, second.FileID, third.FileID)
}

func TestBatchIsolatesFailures(t *testing.T) {
	e := newEnv(t, Config{})

	results := e.orch.ProcessBatch(context.Background(), "tester", []BatchItem{
		{Reader: strings.NewReader("good content"), Meta: UploadMetadata{Name: "good.txt"}},
		{Reader: strings.NewReader("bad"), Meta: UploadMetadata{Name: "bad.exe"}},
		{Reader: strings.NewReader("also good"), Meta: UploadMetadata{Name: "fine.txt"}},
	})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.NotEmpty(t, results[0].Outcome.FileID)
	assert.NotEmpty(t, results[2].Outcome.FileID)
}

func TestQueryFiles(t *testing.T) {
	e := newEnv(t, Config{})
	e.upload(t, "a.txt", []byte("content a"), interfaces.UploadFlags{})
	e.upload(t, "b.txt", []byte("content b"), interfaces.UploadFlags{})

	result, err := e.orch.QueryFiles(context.Background(), "tester", metadata.SearchFilter{Owner: "tester"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Total)
}

func TestShareAndRevoke(t *testing.T) {
	e := newEnv(t, Config{})
	outcome := e.upload(t, "shared.txt", []byte("shared content"), interfaces.UploadFlags{})

	grant, err := e.orch.ShareFile(context.Background(), "tester", outcome.FileID, "bob", []string{"read"}, nil)
	require.NoError(t, err)
	assert.True(t, grant.Active)
	assert.Equal(t, "tester", grant.GrantedBy)

	require.NoError(t, e.orch.RevokeShare(context.Background(), "tester", outcome.FileID, grant.ShareID))

	record, err := e.orch.GetFileRecord(context.Background(), "tester", outcome.FileID, false)
	require.NoError(t, err)
	require.Len(t, record.Access.Shares, 1)
	assert.False(t, record.Access.Shares[0].Active)
}

func TestRateLimit(t *testing.T) {
	e := newEnv(t, Config{RequestsPerSecond: 1, RequestBurst: 2})
	ctx := context.Background()

	_, err := e.orch.QueryFiles(ctx, "hasty", metadata.SearchFilter{})
	require.NoError(t, err)
	_, err = e.orch.QueryFiles(ctx, "hasty", metadata.SearchFilter{})
	require.NoError(t, err)

	_, err = e.orch.QueryFiles(ctx, "hasty", metadata.SearchFilter{})
	var limited *interfaces.RateLimitError
	require.ErrorAs(t, err, &limited)
	assert.Greater(t, limited.RetryAfter, time.Duration(0))

	// Other callers are unaffected.
	_, err = e.orch.QueryFiles(ctx, "patient", metadata.SearchFilter{})
	assert.NoError(t, err)
}

func TestDownloadCountIncrements(t *testing.T) {
	e := newEnv(t, Config{})
	outcome := e.upload(t, "counted.txt", []byte("count me"), interfaces.UploadFlags{})

	e.download(t, outcome.FileID)
	e.download(t, outcome.FileID)

	record, err := e.orch.GetFileRecord(context.Background(), "tester", outcome.FileID, false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), record.Access.DownloadCount)
	assert.NotNil(t, record.Access.LastAccessedAt)
}
