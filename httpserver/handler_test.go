package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/keystore"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/orchestrator"
	"github.com/cobaltvault/storage-orchestration-backend/placement"
	"github.com/cobaltvault/storage-orchestration-backend/storage"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
	"github.com/cobaltvault/storage-orchestration-backend/validation"
)

// testServer wraps the HTTP fixture with the backend directories so tests
// can fault objects on disk.
type testServer struct {
	*httptest.Server
	archivalDir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := t.TempDir()
	workDir := root + "/work"
	require.NoError(t, os.MkdirAll(workDir, 0755))

	archivalDir := root + "/archival"
	primary, err := storage.NewFileBackend(root+"/primary", 0, log)
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
	orch := orchestrator.New(
		orchestrator.Config{WorkDir: workDir},
		validation.New(validation.Config{SpoolDir: workDir}, log),
		transform.NewPipeline(dedup, workDir, log),
		placement.NewUploader(strategy, log),
		strategy, store, dedup,
		keystore.NewMemoryKeyStore(nil), log)

	srv := &Server{
		cfg:     &HTTPServerConfig{Log: log},
		log:     log,
		handler: NewHandler(orch, monitor, log),
	}
	srv.isReady.Store(true)

	ts := httptest.NewServer(srv.getRouter())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, archivalDir: archivalDir}
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	for name, value := range fields {
		require.NoError(t, mw.WriteField(name, value))
	}
	for name, content := range files {
		fw, err := mw.CreateFormFile("file", name)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return body, mw.FormDataContentType()
}

func uploadFile(t *testing.T, ts *testServer, name string, content []byte, fields map[string]string) string {
	t.Helper()
	body, contentType := multipartBody(t, fields, map[string][]byte{name: content})
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/files", body)
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(callerHeader, "alice")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var parsed struct {
		Files []struct {
			Outcome struct {
				FileID string `json:"fileId"`
			} `json:"outcome"`
		} `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Len(t, parsed.Files, 1)
	require.NotEmpty(t, parsed.Files[0].Outcome.FileID)
	return parsed.Files[0].Outcome.FileID
}

func TestUploadAndDownload(t *testing.T) {
	ts := newTestServer(t)
	content := []byte("hello http layer")

	fileID := uploadFile(t, ts, "greeting.txt", content, nil)

	resp, err := http.Get(ts.URL + "/api/files/" + fileID + "/content")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "greeting.txt")

	got, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestUploadRejectsDeniedExtension(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := multipartBody(t, nil, map[string][]byte{"evil.exe": []byte("MZ")})

	resp, err := http.Post(ts.URL+"/api/files", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchUploadPartialSuccess(t *testing.T) {
	ts := newTestServer(t)
	body, contentType := multipartBody(t, nil, map[string][]byte{
		"good.txt": []byte("fine content"),
		"bad.exe":  []byte("MZ"),
	})

	resp, err := http.Post(ts.URL+"/api/files", contentType, body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var parsed struct {
		Files []struct {
			Name  string `json:"name"`
			Error string `json:"error"`
		} `json:"files"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	require.Len(t, parsed.Files, 2)

	byName := map[string]string{}
	for _, f := range parsed.Files {
		byName[f.Name] = f.Error
	}
	assert.Empty(t, byName["good.txt"])
	assert.NotEmpty(t, byName["bad.exe"])
}

func TestRecordRedactsSecretsForOtherCallers(t *testing.T) {
	ts := newTestServer(t)
	fileID := uploadFile(t, ts, "secret.txt", []byte("classified"), map[string]string{"encrypt": "true"})

	// Owner with include_secrets sees the key reference.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/files/"+fileID+"?include_secrets=true", nil)
	req.Header.Set(callerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	var record metadata.FileRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	resp.Body.Close()
	assert.NotEmpty(t, record.Provenance.EncryptionKeyRef)

	// A different caller never sees it, even when asking.
	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/files/"+fileID+"?include_secrets=true", nil)
	req.Header.Set(callerHeader, "mallory")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	var redacted metadata.FileRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&redacted))
	resp.Body.Close()
	assert.Empty(t, redacted.Provenance.EncryptionKeyRef)
}

func TestQueryFiles(t *testing.T) {
	ts := newTestServer(t)
	uploadFile(t, ts, "one.txt", []byte("first file"), nil)
	uploadFile(t, ts, "two.txt", []byte("second file"), nil)

	resp, err := http.Get(ts.URL + "/api/files?owner=alice")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var parsed struct {
		Total int `json:"total"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	assert.Equal(t, 2, parsed.Total)
}

func TestRemoveFile(t *testing.T) {
	ts := newTestServer(t)
	fileID := uploadFile(t, ts, "temp.txt", []byte("short lived"), nil)

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/files/"+fileID, nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/files/" + fileID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRemoveFilePartialFailureReturns207(t *testing.T) {
	ts := newTestServer(t)
	fileID := uploadFile(t, ts, "pinned.txt", []byte("pinned content"), nil)

	// Find the backup copy's storage key.
	resp, err := http.Get(ts.URL + "/api/files/" + fileID)
	require.NoError(t, err)
	var record metadata.FileRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&record))
	resp.Body.Close()
	var backupKey string
	for _, p := range record.StoragePlacements {
		if p.Role == interfaces.RoleBackup {
			backupKey = p.Key
		}
	}
	require.NotEmpty(t, backupKey)

	// Swap the backup object for a non-empty directory so its delete fails.
	objPath := filepath.Join(ts.archivalDir, "objects", filepath.FromSlash(backupKey))
	require.NoError(t, os.Remove(objPath))
	require.NoError(t, os.MkdirAll(filepath.Join(objPath, "pin"), 0755))

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/files/"+fileID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var report orchestrator.RemovalReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	resp.Body.Close()
	assert.False(t, report.RecordDeleted)
	assert.NotEmpty(t, report.Failed)

	// The record is retained for a retry.
	resp, err = http.Get(ts.URL + "/api/files/" + fileID)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Clear the fault; the retry removes the record too.
	require.NoError(t, os.RemoveAll(objPath))
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/files/"+fileID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var retried orchestrator.RemovalReport
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&retried))
	resp.Body.Close()
	assert.True(t, retried.RecordDeleted)
}

func TestShareLifecycle(t *testing.T) {
	ts := newTestServer(t)
	fileID := uploadFile(t, ts, "shared.txt", []byte("to share"), nil)

	body, _ := json.Marshal(map[string]any{"granteeId": "bob", "permissions": []string{"read"}})
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/files/"+fileID+"/shares", bytes.NewReader(body))
	req.Header.Set(callerHeader, "alice")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var grant metadata.ShareGrant
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&grant))
	resp.Body.Close()
	assert.Equal(t, "bob", grant.GranteeID)
	assert.Equal(t, "alice", grant.GrantedBy)

	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/files/"+fileID+"/shares/"+grant.ShareID, nil)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDownloadUnknownFile(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/files/no-such-id/content")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBackendHealthEndpoint(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/backends/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snapshot map[string]interfaces.HealthStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snapshot))
	assert.Len(t, snapshot, 2)
	for _, status := range snapshot {
		assert.True(t, status.Healthy)
	}
}

func TestLivenessAndReadiness(t *testing.T) {
	ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/drain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/undrain")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
