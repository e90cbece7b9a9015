package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// ipfsMaxObject bounds single-shot puts on the IPFS backend. Larger objects
// are chunked by the placement engine before reaching it.
const ipfsMaxObject = 1 << 30

// IPFSBackend implements a storage backend on an IPFS node. Objects are
// written through the Mutable File System API so they stay addressable by
// caller-chosen keys rather than raw CIDs.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates an IPFS storage backend connected to host:port.
// rootDir is the MFS directory holding all objects.
func NewIPFSBackend(host, port, rootDir string, log *slog.Logger) (*IPFSBackend, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	if rootDir == "" {
		rootDir = "/objects"
	}
	rootDir = "/" + strings.Trim(rootDir, "/")

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s", apiURL, rootDir),
	}, nil
}

// Put stores size bytes under key.
func (b *IPFSBackend) Put(ctx context.Context, key string, r io.Reader, size int64, attrs interfaces.ObjectAttributes) (interfaces.PutResult, error) {
	if size > b.MaxObjectSize() {
		return interfaces.PutResult{}, interfaces.ErrObjectTooLarge
	}
	if !b.shell.IsUp() {
		return interfaces.PutResult{}, interfaces.ErrBackendUnavailable
	}

	start := time.Now()
	mfsPath := b.mfsPath(key)

	err := b.shell.FilesWrite(ctx, mfsPath, r,
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to write to IPFS: %w", err)
	}

	stat, err := b.shell.FilesStat(ctx, mfsPath)
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to stat IPFS object: %w", err)
	}

	b.log.Debug("Stored object in IPFS",
		slog.String("path", mfsPath),
		slog.String("cid", stat.Hash),
		slog.Duration("duration", time.Since(start)))

	return interfaces.PutResult{
		LocationURI: fmt.Sprintf("ipfs://%s", stat.Hash),
		ETag:        stat.Hash,
		SizeBytes:   int64(stat.Size),
	}, nil
}

// Get retrieves the object stream for key.
func (b *IPFSBackend) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectAttributes, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ObjectAttributes{}, interfaces.ErrBackendUnavailable
	}

	r, err := b.shell.FilesRead(ctx, b.mfsPath(key))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") || strings.Contains(err.Error(), "not found") {
			return nil, interfaces.ObjectAttributes{}, interfaces.ErrObjectNotFound
		}
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("failed to read from IPFS: %w", err)
	}
	return r, interfaces.ObjectAttributes{}, nil
}

// Delete removes the object. Missing keys are not an error.
func (b *IPFSBackend) Delete(ctx context.Context, key string) error {
	if !b.shell.IsUp() {
		return interfaces.ErrBackendUnavailable
	}

	err := b.shell.FilesRm(ctx, b.mfsPath(key), true)
	if err != nil && !strings.Contains(err.Error(), "does not exist") {
		return fmt.Errorf("failed to remove from IPFS: %w", err)
	}
	return nil
}

// List returns one page of objects under prefix. MFS listings are not
// paginated server-side, so the page is cut client-side with the last key as
// token.
func (b *IPFSBackend) List(ctx context.Context, prefix, pageToken string, pageSize int) (interfaces.ListPage, error) {
	if !b.shell.IsUp() {
		return interfaces.ListPage{}, interfaces.ErrBackendUnavailable
	}
	if pageSize <= 0 {
		pageSize = 1000
	}

	entries, err := b.shell.FilesLs(ctx, b.rootDir, shell.FilesLs.Stat(true))
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return interfaces.ListPage{}, nil
		}
		return interfaces.ListPage{}, fmt.Errorf("failed to list IPFS objects: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })

	var page interfaces.ListPage
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name, prefix) || entry.Name <= pageToken {
			continue
		}
		if len(page.Objects) == pageSize {
			page.NextPageToken = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, interfaces.ObjectInfo{
			Key:       entry.Name,
			SizeBytes: int64(entry.Size),
			ETag:      entry.Hash,
		})
	}
	return page, nil
}

// HealthCheck verifies the IPFS node is reachable.
func (b *IPFSBackend) HealthCheck(ctx context.Context) interfaces.HealthStatus {
	status := interfaces.HealthStatus{CheckedAt: time.Now()}
	if !b.shell.IsUp() {
		status.Detail = fmt.Sprintf("IPFS node %s:%s is not reachable", b.host, b.port)
		return status
	}
	status.Healthy = true
	return status
}

// MaxObjectSize returns the single-shot put ceiling.
func (b *IPFSBackend) MaxObjectSize() int64 { return ipfsMaxObject }

// Name returns a unique identifier for this storage backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *IPFSBackend) LocationURI() string { return b.locationURI }

func (b *IPFSBackend) mfsPath(key string) string {
	return path.Join(b.rootDir, key)
}
