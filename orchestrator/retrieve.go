package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/metrics"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
)

// RetrieveFile streams a file's original bytes back. Placements are tried
// primary first; retrieved bytes are re-hashed against the recorded final
// hash and a mismatch skips to the next placement. The record in the return
// is redacted. The caller closes the reader.
func (o *Orchestrator) RetrieveFile(ctx context.Context, caller, fileID string) (io.ReadCloser, *metadata.FileRecord, error) {
	if err := o.allow(caller); err != nil {
		return nil, nil, err
	}

	record, err := o.store.Get(ctx, fileID)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("not_found").Inc()
		return nil, nil, err
	}

	blob, err := o.fetchPlacements(ctx, record)
	if err != nil {
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}

	var key []byte
	if record.Provenance.Encrypted {
		key, err = o.keys.Load(ctx, record.Provenance.EncryptionKeyRef)
		if err != nil {
			blob.Remove()
			metrics.DownloadsTotal.WithLabelValues("failed").Inc()
			return nil, nil, fmt.Errorf("failed to load encryption key: %w", err)
		}
	}

	restored, err := o.pipeline.Restore(blob, record.Provenance.Encrypted, key, record.Provenance.Compressed)
	if err != nil {
		blob.Remove()
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		return nil, nil, err
	}
	if restored != blob {
		blob.Remove()
	}

	f, err := os.Open(restored.Path)
	if err != nil {
		restored.Remove()
		metrics.DownloadsTotal.WithLabelValues("failed").Inc()
		return nil, nil, fmt.Errorf("failed to open restored file: %w", err)
	}

	if err := o.store.RecordAccess(ctx, fileID); err != nil {
		o.log.Warn("Failed to record access",
			slog.String("file_id", fileID), "err", err)
	}

	metrics.DownloadsTotal.WithLabelValues("ok").Inc()
	return &spoolReader{f: f, path: restored.Path}, record.Redacted(), nil
}

// fetchPlacements tries each placement in order until one yields bytes whose
// hash matches the recorded final hash. Corrupt placements are candidate
// failures, not terminal ones.
func (o *Orchestrator) fetchPlacements(ctx context.Context, record *metadata.FileRecord) (*transform.Blob, error) {
	causes := make(map[string]error)

	for _, p := range orderedPlacements(record) {
		backend, ok := o.strategy.Backend(p.BackendName)
		if !ok {
			causes[p.BackendName] = fmt.Errorf("backend not configured")
			continue
		}

		blob, err := o.fetchOne(ctx, backend, p.Key)
		if err != nil {
			metrics.BackendOpsTotal.WithLabelValues(p.BackendName, "get", "failed").Inc()
			causes[p.BackendName] = err
			continue
		}

		hash, err := blob.Hash()
		if err != nil {
			blob.Remove()
			causes[p.BackendName] = err
			continue
		}
		if !hash.Equal(record.FinalHash) {
			blob.Remove()
			integrity := &interfaces.IntegrityError{
				Backend: p.BackendName,
				Key:     p.Key,
				Want:    record.FinalHash,
				Got:     hash,
			}
			o.log.Warn("Placement failed integrity check, trying next",
				slog.String("file_id", record.FileID), "err", integrity)
			causes[p.BackendName] = integrity
			continue
		}

		metrics.BackendOpsTotal.WithLabelValues(p.BackendName, "get", "ok").Inc()
		return blob, nil
	}

	return nil, &interfaces.RetrievalFailedError{FileID: record.FileID, Causes: causes}
}

// fetchOne spools one placement's bytes into a work blob.
func (o *Orchestrator) fetchOne(ctx context.Context, backend interfaces.StorageBackend, key string) (*transform.Blob, error) {
	r, _, err := backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	spool, err := os.CreateTemp(o.cfg.WorkDir, "fetch-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create fetch spool: %w", err)
	}
	_, err = io.Copy(spool, r)
	if cerr := spool.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(spool.Name())
		return nil, fmt.Errorf("failed to spool placement bytes: %w", err)
	}

	return transform.NewBlob(spool.Name())
}

// RemovalReport describes a remove operation. Failed placements keep the
// record alive so the removal can be retried.
type RemovalReport struct {
	FileID  string           `json:"fileId"`
	Removed []string         `json:"removed"`
	Failed  map[string]string `json:"failed,omitempty"`
	// RecordDeleted is false when any placement delete failed.
	RecordDeleted bool `json:"recordDeleted"`
}

// RemoveFile deletes every placement, then the key material, dedup entry and
// record. Placement failures produce a partial-success report; the record is
// only dropped once all placements are gone.
func (o *Orchestrator) RemoveFile(ctx context.Context, caller, fileID string) (*RemovalReport, error) {
	if err := o.allow(caller); err != nil {
		return nil, err
	}

	record, err := o.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	report := &RemovalReport{FileID: fileID, Failed: make(map[string]string)}
	for _, p := range record.StoragePlacements {
		backend, ok := o.strategy.Backend(p.BackendName)
		if !ok {
			report.Failed[p.BackendName] = "backend not configured"
			continue
		}
		if err := backend.Delete(ctx, p.Key); err != nil {
			metrics.BackendOpsTotal.WithLabelValues(p.BackendName, "delete", "failed").Inc()
			report.Failed[p.BackendName] = err.Error()
			continue
		}
		metrics.BackendOpsTotal.WithLabelValues(p.BackendName, "delete", "ok").Inc()
		report.Removed = append(report.Removed, p.BackendName)
	}

	if len(report.Failed) > 0 {
		o.log.Warn("File removal incomplete, record retained",
			slog.String("file_id", fileID),
			slog.Int("failed_placements", len(report.Failed)))
		return report, nil
	}

	if err := o.dedup.Remove(record.ContentHash, fileID); err != nil {
		o.log.Warn("Failed to remove dedup entry",
			slog.String("file_id", fileID), "err", err)
	}
	if record.Provenance.EncryptionKeyRef != "" {
		if err := o.keys.Delete(ctx, record.Provenance.EncryptionKeyRef); err != nil {
			o.log.Warn("Failed to delete encryption key",
				slog.String("file_id", fileID), "err", err)
		}
	}
	if err := o.store.Delete(ctx, fileID); err != nil {
		return nil, err
	}
	report.RecordDeleted = true

	o.log.Info("File removed",
		slog.String("file_id", fileID),
		slog.Int("placements", len(report.Removed)))
	return report, nil
}

// orderedPlacements returns the primary placement first, then backups in
// record order.
func orderedPlacements(record *metadata.FileRecord) []metadata.StoragePlacement {
	out := make([]metadata.StoragePlacement, 0, len(record.StoragePlacements))
	for _, p := range record.StoragePlacements {
		if p.Role == interfaces.RolePrimary {
			out = append(out, p)
		}
	}
	for _, p := range record.StoragePlacements {
		if p.Role != interfaces.RolePrimary {
			out = append(out, p)
		}
	}
	return out
}

// spoolReader removes its backing spool file on close.
type spoolReader struct {
	f    *os.File
	path string
}

func (r *spoolReader) Read(p []byte) (int, error) { return r.f.Read(p) }

func (r *spoolReader) Close() error {
	err := r.f.Close()
	os.Remove(r.path)
	return err
}
