// Package orchestrator wires the upload pipeline end to end: validation,
// transforms, placement, metadata, key custody and ledger queueing. It is
// the surface the HTTP layer calls; everything below it is a capability it
// composes.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
	"github.com/cobaltvault/storage-orchestration-backend/keystore"
	"github.com/cobaltvault/storage-orchestration-backend/metadata"
	"github.com/cobaltvault/storage-orchestration-backend/placement"
	"github.com/cobaltvault/storage-orchestration-backend/transform"
	"github.com/cobaltvault/storage-orchestration-backend/validation"
)

// Config tunes the orchestrator.
type Config struct {
	// WorkDir receives intermediate blobs and retrieval spools.
	WorkDir string

	// ChunkSize triggers chunked multipart uploads for larger final blobs.
	// Zero means 8 MiB.
	ChunkSize int64

	// CompressUploads enables the compression stage for inputs at or above
	// CompressThreshold bytes.
	CompressUploads   bool
	CompressThreshold int64

	// RequestsPerSecond and RequestBurst bound per-caller request rates.
	// Zero RequestsPerSecond disables limiting.
	RequestsPerSecond float64
	RequestBurst      int
}

// Orchestrator composes the pipeline components. Safe for concurrent use;
// requests run on independent goroutines with no global serialization.
type Orchestrator struct {
	cfg       Config
	validator *validation.Validator
	pipeline  *transform.Pipeline
	uploader  *placement.Uploader
	strategy  *placement.Strategy
	store     *metadata.Store
	dedup     *metadata.DedupIndex
	keys      keystore.KeyStore
	log       *slog.Logger

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

// New creates an orchestrator.
func New(cfg Config, validator *validation.Validator, pipeline *transform.Pipeline, uploader *placement.Uploader, strategy *placement.Strategy, store *metadata.Store, dedup *metadata.DedupIndex, keys keystore.KeyStore, log *slog.Logger) *Orchestrator {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 8 << 20
	}
	if cfg.RequestBurst <= 0 {
		cfg.RequestBurst = 10
	}
	return &Orchestrator{
		cfg:       cfg,
		validator: validator,
		pipeline:  pipeline,
		uploader:  uploader,
		strategy:  strategy,
		store:     store,
		dedup:     dedup,
		keys:      keys,
		log:       log,
		limiters:  make(map[string]*rate.Limiter),
	}
}

// allow enforces the per-caller request quota.
func (o *Orchestrator) allow(caller string) error {
	if o.cfg.RequestsPerSecond <= 0 {
		return nil
	}

	o.limiterMu.Lock()
	limiter, ok := o.limiters[caller]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(o.cfg.RequestsPerSecond), o.cfg.RequestBurst)
		o.limiters[caller] = limiter
	}
	o.limiterMu.Unlock()

	if !limiter.Allow() {
		return &interfaces.RateLimitError{RetryAfter: time.Second}
	}
	return nil
}

// QueryFiles searches file records. Results are redacted.
func (o *Orchestrator) QueryFiles(ctx context.Context, caller string, filter metadata.SearchFilter) (metadata.SearchResult, error) {
	if err := o.allow(caller); err != nil {
		return metadata.SearchResult{}, err
	}

	result, err := o.store.Search(ctx, filter)
	if err != nil {
		return metadata.SearchResult{}, err
	}
	for i, record := range result.Records {
		result.Records[i] = record.Redacted()
	}
	return result, nil
}

// GetFileRecord returns one record. Secrets such as the encryption key
// reference are redacted unless includeSecrets is set by an authorized
// caller.
func (o *Orchestrator) GetFileRecord(ctx context.Context, caller, fileID string, includeSecrets bool) (*metadata.FileRecord, error) {
	if err := o.allow(caller); err != nil {
		return nil, err
	}

	record, err := o.store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if !includeSecrets {
		return record.Redacted(), nil
	}
	return record, nil
}

// ShareFile appends a grant to the file's share ledger.
func (o *Orchestrator) ShareFile(ctx context.Context, caller, fileID, granteeID string, permissions []string, expiresAt *time.Time) (metadata.ShareGrant, error) {
	if err := o.allow(caller); err != nil {
		return metadata.ShareGrant{}, err
	}
	return o.store.Share(ctx, fileID, granteeID, caller, permissions, expiresAt)
}

// RevokeShare deactivates a grant without removing it from the ledger.
func (o *Orchestrator) RevokeShare(ctx context.Context, caller, fileID, shareID string) error {
	if err := o.allow(caller); err != nil {
		return err
	}
	return o.store.RevokeShare(ctx, fileID, shareID)
}
