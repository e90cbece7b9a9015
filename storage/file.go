package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// FileBackend implements a storage backend on the local file system. Objects
// live under <baseDir>/objects/<key>; in-flight multipart sessions live
// under <baseDir>/.multipart/<sessionID>/ until completed or aborted.
type FileBackend struct {
	baseDir     string
	maxObject   int64
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a file storage backend rooted at baseDir.
func NewFileBackend(baseDir string, maxObject int64, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, "objects"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(baseDir, ".multipart"), 0755); err != nil {
		return nil, fmt.Errorf("failed to create multipart directory: %w", err)
	}
	if maxObject <= 0 {
		maxObject = 64 << 30
	}

	return &FileBackend{
		baseDir:     baseDir,
		maxObject:   maxObject,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put stores size bytes under key, writing to a temp file first so readers
// never observe a partial object.
func (b *FileBackend) Put(ctx context.Context, key string, r io.Reader, size int64, attrs interfaces.ObjectAttributes) (interfaces.PutResult, error) {
	if size > b.maxObject {
		return interfaces.PutResult{}, interfaces.ErrObjectTooLarge
	}

	objPath := b.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0755); err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".put-*")
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to create temp object: %w", err)
	}

	digest := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, digest), r)
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return interfaces.PutResult{}, fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp.Name(), objPath); err != nil {
		os.Remove(tmp.Name())
		return interfaces.PutResult{}, fmt.Errorf("failed to finalize object: %w", err)
	}
	if err := b.writeAttrs(key, attrs); err != nil {
		b.log.Warn("Failed to persist object attributes",
			slog.String("key", key), "err", err)
	}

	etag := hex.EncodeToString(digest.Sum(nil))
	b.log.Debug("Stored object on file backend",
		slog.String("key", key),
		slog.Int64("size", written))

	return interfaces.PutResult{
		LocationURI: b.locationURI + "/objects/" + key,
		ETag:        etag,
		SizeBytes:   written,
	}, nil
}

// Get retrieves the object stream for key.
func (b *FileBackend) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectAttributes, error) {
	f, err := os.Open(b.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ObjectAttributes{}, interfaces.ErrObjectNotFound
		}
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("failed to open object: %w", err)
	}
	return f, b.readAttrs(key), nil
}

// Delete removes the object. Missing keys are not an error.
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if err := os.Remove(b.objectPath(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete object: %w", err)
	}
	os.Remove(b.attrsPath(key))
	return nil
}

// List returns one page of objects under prefix, ordered by key. The page
// token is the last key of the previous page.
func (b *FileBackend) List(ctx context.Context, prefix, pageToken string, pageSize int) (interfaces.ListPage, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	root := filepath.Join(b.baseDir, "objects")
	var keys []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		key := strings.TrimPrefix(filepath.ToSlash(strings.TrimPrefix(path, root)), "/")
		if strings.HasSuffix(key, ".attrs") || strings.HasPrefix(filepath.Base(key), ".put-") {
			return nil
		}
		if strings.HasPrefix(key, prefix) && key > pageToken {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return interfaces.ListPage{}, fmt.Errorf("failed to list objects: %w", err)
	}
	sort.Strings(keys)

	var page interfaces.ListPage
	for _, key := range keys {
		if len(page.Objects) == pageSize {
			page.NextPageToken = page.Objects[len(page.Objects)-1].Key
			break
		}
		info, err := os.Stat(b.objectPath(key))
		if err != nil {
			continue
		}
		page.Objects = append(page.Objects, interfaces.ObjectInfo{
			Key:          key,
			SizeBytes:    info.Size(),
			LastModified: info.ModTime(),
		})
	}
	return page, nil
}

// HealthCheck verifies the base directory is still reachable.
func (b *FileBackend) HealthCheck(ctx context.Context) interfaces.HealthStatus {
	status := interfaces.HealthStatus{CheckedAt: time.Now()}
	if _, err := os.Stat(b.baseDir); err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// MaxObjectSize returns the single-shot put ceiling.
func (b *FileBackend) MaxObjectSize() int64 { return b.maxObject }

// Name returns a unique identifier for this storage backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this storage backend.
func (b *FileBackend) LocationURI() string { return b.locationURI }

// OpenMultipart starts a chunked upload session for key.
func (b *FileBackend) OpenMultipart(ctx context.Context, key string, attrs interfaces.ObjectAttributes) (interfaces.MultipartUpload, error) {
	sessionID := uuid.NewString()
	dir := filepath.Join(b.baseDir, ".multipart", sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create multipart session: %w", err)
	}

	b.log.Debug("Opened multipart session",
		slog.String("key", key),
		slog.String("session", sessionID))

	return &fileMultipart{
		backend: b,
		key:     key,
		attrs:   attrs,
		dir:     dir,
		state:   multipartOpen,
	}, nil
}

type multipartState int

const (
	multipartOpen multipartState = iota
	multipartCompleted
	multipartAborted
)

// fileMultipart is the file backend's multipart session. Parts may arrive
// concurrently; Complete assembles them in ascending index order.
type fileMultipart struct {
	backend *FileBackend
	key     string
	attrs   interfaces.ObjectAttributes
	dir     string

	mu    sync.Mutex
	state multipartState
	parts map[int]interfaces.PartResult
}

func (m *fileMultipart) UploadPart(ctx context.Context, index int, r io.Reader, size int64) (interfaces.PartResult, error) {
	if index < 1 {
		return interfaces.PartResult{}, fmt.Errorf("part index must be >= 1, got %d", index)
	}
	m.mu.Lock()
	if m.state != multipartOpen {
		m.mu.Unlock()
		return interfaces.PartResult{}, fmt.Errorf("multipart session is no longer open")
	}
	m.mu.Unlock()

	partPath := filepath.Join(m.dir, fmt.Sprintf("part-%06d", index))
	f, err := os.Create(partPath)
	if err != nil {
		return interfaces.PartResult{}, fmt.Errorf("failed to create part file: %w", err)
	}

	digest := sha256.New()
	written, err := io.Copy(io.MultiWriter(f, digest), r)
	if cerr := f.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(partPath)
		return interfaces.PartResult{}, fmt.Errorf("failed to write part %d: %w", index, err)
	}

	result := interfaces.PartResult{
		Index: index,
		ETag:  hex.EncodeToString(digest.Sum(nil)),
		Size:  written,
	}

	m.mu.Lock()
	if m.parts == nil {
		m.parts = make(map[int]interfaces.PartResult)
	}
	m.parts[index] = result
	m.mu.Unlock()

	return result, nil
}

func (m *fileMultipart) Complete(ctx context.Context) (interfaces.PutResult, error) {
	m.mu.Lock()
	if m.state != multipartOpen {
		m.mu.Unlock()
		return interfaces.PutResult{}, fmt.Errorf("multipart session is no longer open")
	}
	m.state = multipartCompleted
	indexes := make([]int, 0, len(m.parts))
	for idx := range m.parts {
		indexes = append(indexes, idx)
	}
	m.mu.Unlock()
	sort.Ints(indexes)

	if len(indexes) == 0 {
		m.cleanup()
		return interfaces.PutResult{}, fmt.Errorf("multipart session has no parts")
	}

	objPath := m.backend.objectPath(m.key)
	if err := os.MkdirAll(filepath.Dir(objPath), 0755); err != nil {
		m.cleanup()
		return interfaces.PutResult{}, fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".put-*")
	if err != nil {
		m.cleanup()
		return interfaces.PutResult{}, fmt.Errorf("failed to create temp object: %w", err)
	}

	digest := sha256.New()
	out := io.MultiWriter(tmp, digest)
	var total int64
	for _, idx := range indexes {
		part, err := os.Open(filepath.Join(m.dir, fmt.Sprintf("part-%06d", idx)))
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			m.cleanup()
			return interfaces.PutResult{}, fmt.Errorf("failed to open part %d: %w", idx, err)
		}
		n, err := io.Copy(out, part)
		part.Close()
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			m.cleanup()
			return interfaces.PutResult{}, fmt.Errorf("failed to assemble part %d: %w", idx, err)
		}
		total += n
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		m.cleanup()
		return interfaces.PutResult{}, fmt.Errorf("failed to close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), objPath); err != nil {
		os.Remove(tmp.Name())
		m.cleanup()
		return interfaces.PutResult{}, fmt.Errorf("failed to finalize object: %w", err)
	}
	if err := m.backend.writeAttrs(m.key, m.attrs); err != nil {
		m.backend.log.Warn("Failed to persist object attributes",
			slog.String("key", m.key), "err", err)
	}
	m.cleanup()

	m.backend.log.Debug("Completed multipart session",
		slog.String("key", m.key),
		slog.Int("parts", len(indexes)),
		slog.Int64("size", total))

	return interfaces.PutResult{
		LocationURI: m.backend.locationURI + "/objects/" + m.key,
		ETag:        hex.EncodeToString(digest.Sum(nil)),
		SizeBytes:   total,
	}, nil
}

func (m *fileMultipart) Abort(ctx context.Context) error {
	m.mu.Lock()
	if m.state == multipartAborted {
		m.mu.Unlock()
		return nil
	}
	m.state = multipartAborted
	m.mu.Unlock()

	m.cleanup()
	m.backend.log.Debug("Aborted multipart session", slog.String("key", m.key))
	return nil
}

func (m *fileMultipart) cleanup() {
	os.RemoveAll(m.dir)
}

func (b *FileBackend) objectPath(key string) string {
	return filepath.Join(b.baseDir, "objects", filepath.FromSlash(key))
}

func (b *FileBackend) attrsPath(key string) string {
	return b.objectPath(key) + ".attrs"
}

func (b *FileBackend) writeAttrs(key string, attrs interfaces.ObjectAttributes) error {
	if attrs.ContentType == "" && len(attrs.Metadata) == 0 {
		return nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return err
	}
	return os.WriteFile(b.attrsPath(key), data, 0644)
}

func (b *FileBackend) readAttrs(key string) interfaces.ObjectAttributes {
	var attrs interfaces.ObjectAttributes
	data, err := os.ReadFile(b.attrsPath(key))
	if err != nil {
		return attrs
	}
	json.Unmarshal(data, &attrs)
	return attrs
}
