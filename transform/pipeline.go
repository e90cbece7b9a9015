// Package transform runs the optional file transform stages in a fixed
// order: deduplication check, compression, encryption, chunking. Each stage
// is independently toggleable and each produces a new blob, so a failing
// stage discards its own artifacts and surfaces a typed error without
// leaving partial state behind.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// DedupIndex maps content hashes to the first file record that produced
// them. It is an optimization hint, not authoritative storage state; the
// metadata store owns the backing data and serializes writes per key.
type DedupIndex interface {
	Lookup(hash interfaces.ContentHash) (fileID string, ok bool, err error)
}

// Options toggles and tunes the pipeline stages for one run.
type Options struct {
	// AllowDedup short-circuits on a known content hash.
	AllowDedup bool

	// Compress enables the compression stage for inputs at or above
	// CompressThreshold bytes.
	Compress bool

	// Encrypt enables authenticated encryption. When Key is nil a fresh
	// key is generated and returned in the result.
	Encrypt bool
	Key     []byte

	// ChunkSize triggers chunking for blobs larger than this many bytes.
	// Zero disables chunking.
	ChunkSize int64

	// CompressThreshold is the minimum input size worth compressing.
	CompressThreshold int64

	// BeneficialRatio is the maximum compressed/original ratio that keeps
	// the compressed copy. Zero means 0.9.
	BeneficialRatio float64
}

// Result is the outcome of a pipeline run. When Deduplicated is set no other
// field besides ExistingFileID is meaningful and no bytes were produced.
type Result struct {
	Deduplicated   bool
	ExistingFileID string

	// FinalBlob holds the bytes to upload. It may be the input blob when no
	// stage changed the content; the caller owns removal either way.
	FinalBlob *Blob
	FinalHash interfaces.ContentHash

	Compressed       bool
	CompressionRatio float64

	Encrypted bool
	// Key is the encryption key used, present only when the pipeline
	// generated or applied one. The caller persists it via the keystore and
	// must not store it in the file record.
	Key []byte

	Chunked  bool
	Manifest []interfaces.ChunkDescriptor
}

// Pipeline applies the transform stages. Safe for concurrent use.
type Pipeline struct {
	index   DedupIndex
	workDir string
	log     *slog.Logger
}

// NewPipeline creates a pipeline writing intermediate blobs to workDir.
func NewPipeline(index DedupIndex, workDir string, log *slog.Logger) *Pipeline {
	return &Pipeline{index: index, workDir: workDir, log: log}
}

// Run executes the stages in order against blob, whose pre-transform content
// hash is contentHash. On error all blobs created by this run are removed
// and a TransformError names the failed stage.
func (p *Pipeline) Run(ctx context.Context, blob *Blob, contentHash interfaces.ContentHash, opts Options) (*Result, error) {
	start := time.Now()

	if opts.AllowDedup && p.index != nil {
		fileID, ok, err := p.index.Lookup(contentHash)
		if err != nil {
			return nil, &interfaces.TransformError{Stage: "dedup", Err: err}
		}
		if ok {
			p.log.Debug("Content already stored, skipping upload",
				slog.String("content_hash", contentHash.String()),
				slog.String("file_id", fileID))
			return &Result{Deduplicated: true, ExistingFileID: fileID}, nil
		}
	}

	res := &Result{FinalBlob: blob}
	// Intermediate blobs that must be cleaned up if a later stage fails.
	// The input blob is never included; the caller owns it.
	var created []*Blob
	fail := func(stage string, err error) (*Result, error) {
		for _, b := range created {
			b.Remove()
		}
		return nil, &interfaces.TransformError{Stage: stage, Err: err}
	}

	if err := ctx.Err(); err != nil {
		return fail("pipeline", err)
	}

	if opts.Compress && blob.Size >= opts.CompressThreshold {
		ratioLimit := opts.BeneficialRatio
		if ratioLimit == 0 {
			ratioLimit = 0.9
		}

		compressed, err := Compress(res.FinalBlob, p.workDir)
		if err != nil {
			return fail("compress", err)
		}

		ratio := float64(compressed.Size) / float64(res.FinalBlob.Size)
		if ratio <= ratioLimit {
			created = append(created, compressed)
			res.FinalBlob = compressed
			res.Compressed = true
			res.CompressionRatio = ratio
		} else {
			// Not worth keeping: incompressible input (media, archives).
			compressed.Remove()
			p.log.Debug("Compression not beneficial, keeping original",
				slog.Float64("ratio", ratio))
		}
	}

	if opts.Encrypt {
		key := opts.Key
		if key == nil {
			var err error
			key, err = GenerateKey()
			if err != nil {
				return fail("encrypt", err)
			}
		}

		sealed, err := EncryptBlob(key, res.FinalBlob, p.workDir)
		if err != nil {
			return fail("encrypt", err)
		}
		created = append(created, sealed)
		res.FinalBlob = sealed
		res.Encrypted = true
		res.Key = key
	}

	finalHash, err := res.FinalBlob.Hash()
	if err != nil {
		return fail("hash", err)
	}
	res.FinalHash = finalHash

	if opts.ChunkSize > 0 && res.FinalBlob.Size > opts.ChunkSize {
		manifest, err := BuildChunkManifest(res.FinalBlob, opts.ChunkSize)
		if err != nil {
			return fail("chunk", err)
		}
		res.Chunked = true
		res.Manifest = manifest
	}

	// Intermediate blobs other than the final one are no longer needed.
	for _, b := range created {
		if b != res.FinalBlob {
			b.Remove()
		}
	}

	p.log.Debug("Transform pipeline complete",
		slog.String("final_hash", res.FinalHash.String()),
		slog.Int64("final_size", res.FinalBlob.Size),
		slog.Bool("compressed", res.Compressed),
		slog.Bool("encrypted", res.Encrypted),
		slog.Bool("chunked", res.Chunked),
		slog.Duration("duration", time.Since(start)))

	return res, nil
}

// Restore reverses the recorded transforms on stored bytes: decrypt first,
// then decompress. Chunk reassembly happens upstream when placements are
// fetched; by the time Restore runs the blob is contiguous.
func (p *Pipeline) Restore(blob *Blob, encrypted bool, key []byte, compressed bool) (*Blob, error) {
	current := blob

	if encrypted {
		if len(key) == 0 {
			return nil, &interfaces.TransformError{Stage: "decrypt", Err: fmt.Errorf("missing encryption key")}
		}
		plain, err := DecryptBlob(key, current, p.workDir)
		if err != nil {
			return nil, &interfaces.TransformError{Stage: "decrypt", Err: err}
		}
		if current != blob {
			current.Remove()
		}
		current = plain
	}

	if compressed {
		raw, err := Decompress(current, p.workDir)
		if err != nil {
			if current != blob {
				current.Remove()
			}
			return nil, &interfaces.TransformError{Stage: "decompress", Err: err}
		}
		if current != blob {
			current.Remove()
		}
		current = raw
	}

	return current, nil
}
