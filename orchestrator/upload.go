package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/metrics"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
)

// UploadMetadata is the caller-supplied description of one upload.
type UploadMetadata struct {
	Name         string
	DeclaredType string
	// SizeHint is the declared size; negative when unknown.
	SizeHint    int64
	Owner       string
	AccessLevel string
	Category    string
	Description string
	Tags        []string
}

// ProcessingSummary reports which transforms ran.
type ProcessingSummary struct {
	Compressed       bool    `json:"compressed"`
	CompressionRatio float64 `json:"compressionRatio,omitempty"`
	Encrypted        bool    `json:"encrypted"`
	Chunked          bool    `json:"chunked"`
	ChunkCount       int     `json:"chunkCount,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
}

// UploadOutcome is the result of one processed upload.
type UploadOutcome struct {
	FileID       string                       `json:"fileId"`
	Deduplicated bool                         `json:"deduplicated"`
	FinalHash    interfaces.ContentHash       `json:"finalHash"`
	Placements   []metadata.StoragePlacement  `json:"placements"`
	Summary      ProcessingSummary            `json:"processingSummary"`
}

// ProcessUpload runs the full pipeline on one file: validate, transform,
// place, record, queue for ledger sync. A failure at any stage leaves no
// partial file record behind.
func (o *Orchestrator) ProcessUpload(ctx context.Context, caller string, r io.Reader, meta UploadMetadata, flags interfaces.UploadFlags) (*UploadOutcome, error) {
	if err := o.allow(caller); err != nil {
		return nil, err
	}

	res, err := o.validator.Validate(r, meta.Name, meta.DeclaredType, meta.SizeHint, flags.StrictType)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	if !res.Accepted {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, &interfaces.ValidationError{Reasons: res.Reasons}
	}

	blob, err := transform.NewBlob(res.SpoolPath)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	defer blob.Remove()

	metrics.UploadBytes.Observe(float64(res.SizeBytes))

	opts := transform.Options{
		AllowDedup:        !flags.DisableDedup,
		Compress:          o.cfg.CompressUploads,
		CompressThreshold: o.cfg.CompressThreshold,
		Encrypt:           flags.Encrypt,
		ChunkSize:         o.cfg.ChunkSize,
	}

	pres, err := o.pipeline.Run(ctx, blob, res.Hash, opts)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if pres.Deduplicated {
		outcome, ok := o.dedupOutcome(ctx, res.Hash, pres.ExistingFileID, res.Warnings)
		if ok {
			metrics.DedupHits.Inc()
			metrics.UploadsTotal.WithLabelValues("deduplicated").Inc()
			return outcome, nil
		}
		// Stale index entry: the first file is gone. Repair and store for
		// real this time.
		opts.AllowDedup = false
		pres, err = o.pipeline.Run(ctx, blob, res.Hash, opts)
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	metrics.DedupMisses.Inc()

	finalBlob := pres.FinalBlob
	if finalBlob != blob {
		defer finalBlob.Remove()
	}

	var keyRef string
	if pres.Encrypted {
		keyRef, err = o.keys.Save(ctx, pres.Key)
		if err != nil {
			metrics.UploadsTotal.WithLabelValues("failed").Inc()
			return nil, err
		}
	}

	placements, err := o.uploader.Upload(ctx, finalBlob, objectKey(pres.FinalHash), interfaces.ObjectAttributes{
		ContentType: res.DetectedType,
	}, pres.Manifest, flags)
	if err != nil {
		o.discardKey(ctx, keyRef)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	fileID := uuid.NewString()
	record := &metadata.FileRecord{
		FileID:            fileID,
		OriginalName:      meta.Name,
		DeclaredType:      meta.DeclaredType,
		DetectedType:      res.DetectedType,
		SizeBytes:         res.SizeBytes,
		ContentHash:       res.Hash,
		FinalHash:         pres.FinalHash,
		Category:          meta.Category,
		Description:       meta.Description,
		Tags:              meta.Tags,
		StoragePlacements: placements,
		Provenance: metadata.Provenance{
			Compressed:       pres.Compressed,
			CompressionRatio: pres.CompressionRatio,
			Encrypted:        pres.Encrypted,
			EncryptionKeyRef: keyRef,
			Chunked:          pres.Chunked,
			ChunkManifest:    pres.Manifest,
		},
		Access: metadata.AccessInfo{
			Owner:       meta.Owner,
			AccessLevel: meta.AccessLevel,
		},
		LedgerSync: metadata.LedgerSyncInfo{Status: metadata.LedgerPending},
	}

	if err := o.store.Create(ctx, record); err != nil {
		o.rollbackPlacements(ctx, placements)
		o.discardKey(ctx, keyRef)
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}

	if _, err := o.dedup.Record(res.Hash, fileID); err != nil {
		// The index is only a hint; a failed claim costs a future redundant
		// store.
		o.log.Warn("Failed to record dedup entry",
			slog.String("file_id", fileID), "err", err)
	}
	if err := o.store.EnqueueLedgerSync(ctx, fileID); err != nil {
		o.log.Warn("Failed to enqueue ledger sync",
			slog.String("file_id", fileID), "err", err)
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	o.log.Info("Upload processed",
		slog.String("file_id", fileID),
		slog.String("name", meta.Name),
		slog.Int64("size", res.SizeBytes),
		slog.String("final_hash", pres.FinalHash.String()),
		slog.Int("placements", len(placements)))

	return &UploadOutcome{
		FileID:     fileID,
		FinalHash:  pres.FinalHash,
		Placements: placements,
		Summary: ProcessingSummary{
			Compressed:       pres.Compressed,
			CompressionRatio: pres.CompressionRatio,
			Encrypted:        pres.Encrypted,
			Chunked:          pres.Chunked,
			ChunkCount:       len(pres.Manifest),
			Warnings:         res.Warnings,
		},
	}, nil
}

// dedupOutcome builds the short-circuit outcome for known content. Returns
// ok=false when the index entry is stale.
func (o *Orchestrator) dedupOutcome(ctx context.Context, hash interfaces.ContentHash, existingID string, warnings []string) (*UploadOutcome, bool) {
	record, err := o.store.Get(ctx, existingID)
	if err != nil {
		var notFound *interfaces.NotFoundError
		if errors.As(err, &notFound) {
			o.log.Warn("Dedup index pointed at a deleted file, repairing",
				slog.String("file_id", existingID))
			if err := o.dedup.Remove(hash, existingID); err != nil {
				o.log.Warn("Failed to remove stale dedup entry",
					slog.String("file_id", existingID), "err", err)
			}
			return nil, false
		}
		o.log.Warn("Failed to load dedup target, storing anyway",
			slog.String("file_id", existingID), "err", err)
		return nil, false
	}

	return &UploadOutcome{
		FileID:       record.FileID,
		Deduplicated: true,
		FinalHash:    record.FinalHash,
		Placements:   record.StoragePlacements,
		Summary: ProcessingSummary{
			Compressed: record.Provenance.Compressed,
			Encrypted:  record.Provenance.Encrypted,
			Chunked:    record.Provenance.Chunked,
			ChunkCount: len(record.Provenance.ChunkManifest),
			Warnings:   warnings,
		},
	}, true
}

// discardKey removes a saved encryption key whose upload never completed,
// best effort. A leaked key has no record pointing at it and would otherwise
// sit in the keystore forever.
func (o *Orchestrator) discardKey(ctx context.Context, keyRef string) {
	if keyRef == "" {
		return
	}
	if err := o.keys.Delete(ctx, keyRef); err != nil {
		o.log.Warn("Failed to discard encryption key after upload failure",
			slog.String("key_ref", keyRef), "err", err)
	}
}

// rollbackPlacements removes uploaded objects after a failed record create,
// best effort.
func (o *Orchestrator) rollbackPlacements(ctx context.Context, placements []metadata.StoragePlacement) {
	for _, p := range placements {
		backend, ok := o.strategy.Backend(p.BackendName)
		if !ok {
			continue
		}
		if err := backend.Delete(ctx, p.Key); err != nil {
			o.log.Error("Failed to roll back placement",
				slog.String("backend", p.BackendName),
				slog.String("key", p.Key),
				"err", err)
		}
	}
}

// BatchItem is one file in a batch upload.
type BatchItem struct {
	Reader io.Reader
	Meta   UploadMetadata
	Flags  interfaces.UploadFlags
}

// BatchResult pairs an item's outcome with its error; exactly one is set.
type BatchResult struct {
	Outcome *UploadOutcome
	Err     error
}

// ProcessBatch uploads each item independently. A failing item never aborts
// its siblings.
func (o *Orchestrator) ProcessBatch(ctx context.Context, caller string, items []BatchItem) []BatchResult {
	results := make([]BatchResult, len(items))
	for i, item := range items {
		outcome, err := o.ProcessUpload(ctx, caller, item.Reader, item.Meta, item.Flags)
		results[i] = BatchResult{Outcome: outcome, Err: err}
	}
	return results
}

// objectKey derives the content-addressed storage key from the final hash.
func objectKey(hash interfaces.ContentHash) string {
	hex := hash.String()
	return hex[:2] + "/" + hex[2:]
}
