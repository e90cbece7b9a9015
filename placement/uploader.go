package placement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/metrics"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
)

// partConcurrency bounds in-flight parts within one multipart upload.
const partConcurrency = 3

// Uploader runs the upload fan-out: primary put with failover, then a
// best-effort backup copy. At least one copy is guaranteed on success; all
// copies are not.
type Uploader struct {
	strategy *Strategy
	log      *slog.Logger
}

// NewUploader creates an uploader over strategy.
func NewUploader(strategy *Strategy, log *slog.Logger) *Uploader {
	return &Uploader{strategy: strategy, log: log}
}

// Upload stores blob under key according to the rule table. manifest is
// non-empty for chunked uploads and drives the multipart path. The returned
// placements carry exactly one primary entry, on whichever backend actually
// accepted the bytes.
func (u *Uploader) Upload(ctx context.Context, blob *transform.Blob, key string, attrs interfaces.ObjectAttributes, manifest []interfaces.ChunkDescriptor, flags interfaces.UploadFlags) ([]metadata.StoragePlacement, error) {
	placement, err := u.strategy.SelectPlacement(blob.Size, flags)
	if err != nil {
		return nil, err
	}

	primary := placement.Primary
	result, primaryErr := u.putTo(ctx, primary, blob, key, attrs, manifest)
	if primaryErr != nil {
		u.log.Warn("Primary upload failed",
			slog.String("backend", primary.Name()),
			slog.String("key", key),
			"err", primaryErr)

		// Failover: a successful backup put becomes the primary placement.
		if placement.Backup == nil {
			return nil, &interfaces.UploadFailedError{Causes: map[string]error{
				primary.Name(): primaryErr,
			}}
		}

		result, err = u.putTo(ctx, placement.Backup, blob, key, attrs, manifest)
		if err != nil {
			return nil, &interfaces.UploadFailedError{Causes: map[string]error{
				primary.Name():          primaryErr,
				placement.Backup.Name(): err,
			}}
		}
		primary = placement.Backup
		placement.Backup = nil
	}

	placements := []metadata.StoragePlacement{{
		BackendName: primary.Name(),
		Key:         key,
		LocationURI: result.LocationURI,
		SizeBytes:   result.SizeBytes,
		ETag:        result.ETag,
		Role:        interfaces.RolePrimary,
	}}

	if placement.Backup != nil && !flags.DisableBackup {
		backup := placement.Backup
		backupResult, err := u.putTo(ctx, backup, blob, key, attrs, manifest)
		if err != nil {
			// Best-effort only: the primary copy is durable.
			u.log.Warn("Backup copy failed",
				slog.String("backend", backup.Name()),
				slog.String("key", key),
				"err", err)
		} else {
			placements = append(placements, metadata.StoragePlacement{
				BackendName: backup.Name(),
				Key:         key,
				LocationURI: backupResult.LocationURI,
				SizeBytes:   backupResult.SizeBytes,
				ETag:        backupResult.ETag,
				Role:        interfaces.RoleBackup,
			})
		}
	}

	return placements, nil
}

// putTo stores blob on one backend, choosing single-shot or multipart based
// on the manifest and the backend's size ceiling.
func (u *Uploader) putTo(ctx context.Context, backend interfaces.StorageBackend, blob *transform.Blob, key string, attrs interfaces.ObjectAttributes, manifest []interfaces.ChunkDescriptor) (interfaces.PutResult, error) {
	start := time.Now()

	multipart, capable := backend.(interfaces.MultipartCapable)
	useMultipart := len(manifest) > 0 && capable

	if !useMultipart && blob.Size > backend.MaxObjectSize() {
		metrics.BackendOpsTotal.WithLabelValues(backend.Name(), "put", "failed").Inc()
		return interfaces.PutResult{}, fmt.Errorf("object of %d bytes exceeds %s limit and backend has no multipart support", blob.Size, backend.Name())
	}

	var result interfaces.PutResult
	var err error
	if useMultipart {
		result, err = u.multipartPut(ctx, multipart, blob, key, attrs, manifest)
	} else {
		var r io.ReadCloser
		r, err = blob.Open()
		if err == nil {
			result, err = backend.Put(ctx, key, r, blob.Size, attrs)
			r.Close()
		}
	}

	if err != nil {
		metrics.BackendOpsTotal.WithLabelValues(backend.Name(), "put", "failed").Inc()
		return interfaces.PutResult{}, err
	}

	metrics.BackendOpsTotal.WithLabelValues(backend.Name(), "put", "ok").Inc()
	metrics.BytesWritten.WithLabelValues(backend.Name()).Add(float64(result.SizeBytes))
	u.log.Debug("Stored object",
		slog.String("backend", backend.Name()),
		slog.String("key", key),
		slog.Int64("size", result.SizeBytes),
		slog.Bool("multipart", useMultipart),
		slog.Duration("duration", time.Since(start)))
	return result, nil
}

// multipartPut streams manifest ranges as parts with bounded parallelism.
// Part completion order is irrelevant; Complete waits for every part and
// assembles ascending. Any failure aborts the session so no server-side
// partial upload is orphaned.
func (u *Uploader) multipartPut(ctx context.Context, backend interfaces.MultipartCapable, blob *transform.Blob, key string, attrs interfaces.ObjectAttributes, manifest []interfaces.ChunkDescriptor) (interfaces.PutResult, error) {
	session, err := backend.OpenMultipart(ctx, key, attrs)
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to open multipart session: %w", err)
	}

	partCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sem := make(chan struct{}, partConcurrency)
	errs := make(chan error, len(manifest))
	var wg sync.WaitGroup

	for _, chunk := range manifest {
		wg.Add(1)
		go func(chunk interfaces.ChunkDescriptor) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-partCtx.Done():
				errs <- partCtx.Err()
				return
			}

			r, err := blob.OpenRange(chunk.Offset, chunk.SizeBytes)
			if err != nil {
				errs <- fmt.Errorf("failed to open chunk %d: %w", chunk.Index, err)
				cancel()
				return
			}
			defer r.Close()

			// Part numbers are 1-based; chunk indexes start at 0.
			if _, err := session.UploadPart(partCtx, chunk.Index+1, r, chunk.SizeBytes); err != nil {
				errs <- fmt.Errorf("failed to upload part %d: %w", chunk.Index+1, err)
				cancel()
			}
		}(chunk)
	}
	wg.Wait()
	close(errs)

	// Prefer the root-cause part error: parts cut short by the cancellation
	// only report context.Canceled.
	var partErr error
	for err := range errs {
		if err == nil {
			continue
		}
		if partErr == nil || (errors.Is(partErr, context.Canceled) && !errors.Is(err, context.Canceled)) {
			partErr = err
		}
	}
	if partErr != nil {
		if abortErr := session.Abort(ctx); abortErr != nil {
			u.log.Error("Failed to abort multipart session",
				slog.String("key", key), "err", abortErr)
		}
		return interfaces.PutResult{}, partErr
	}

	result, err := session.Complete(ctx)
	if err != nil {
		if abortErr := session.Abort(ctx); abortErr != nil {
			u.log.Error("Failed to abort multipart session",
				slog.String("key", key), "err", abortErr)
		}
		return interfaces.PutResult{}, fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return result, nil
}
