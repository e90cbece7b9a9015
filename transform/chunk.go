package transform

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// BuildChunkManifest splits the blob into fixed-size chunks and records each
// chunk's byte range and SHA-256. The final chunk may be shorter. The blob
// itself is not rewritten; the manifest describes ranges inside it, which
// the uploader streams as multipart parts.
func BuildChunkManifest(b *Blob, chunkSize int64) ([]interfaces.ChunkDescriptor, error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("invalid chunk size %d", chunkSize)
	}

	f, err := os.Open(b.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob for chunking: %w", err)
	}
	defer f.Close()

	var manifest []interfaces.ChunkDescriptor
	var offset int64
	buf := make([]byte, 256<<10)
	for offset < b.Size {
		length := chunkSize
		if remaining := b.Size - offset; remaining < length {
			length = remaining
		}

		digest := sha256.New()
		if _, err := io.CopyBuffer(digest, io.LimitReader(f, length), buf); err != nil {
			return nil, fmt.Errorf("failed to hash chunk %d: %w", len(manifest), err)
		}

		var hash [32]byte
		copy(hash[:], digest.Sum(nil))
		manifest = append(manifest, interfaces.ChunkDescriptor{
			Index:     len(manifest),
			Offset:    offset,
			SizeBytes: length,
			Hash:      interfaces.ContentHash(hash),
		})
		offset += length
	}

	return manifest, nil
}

// VerifyChunkManifest re-hashes every chunk range of b against the manifest.
// Used on reassembly: chunks concatenated in ascending index order must
// reproduce the stored hash.
func VerifyChunkManifest(b *Blob, manifest []interfaces.ChunkDescriptor) error {
	for _, chunk := range manifest {
		r, err := b.OpenRange(chunk.Offset, chunk.SizeBytes)
		if err != nil {
			return fmt.Errorf("failed to open chunk %d: %w", chunk.Index, err)
		}

		digest := sha256.New()
		_, err = io.Copy(digest, r)
		r.Close()
		if err != nil {
			return fmt.Errorf("failed to hash chunk %d: %w", chunk.Index, err)
		}

		var hash [32]byte
		copy(hash[:], digest.Sum(nil))
		if interfaces.ContentHash(hash) != chunk.Hash {
			return fmt.Errorf("chunk %d hash mismatch: want %s, got %s",
				chunk.Index, chunk.Hash, interfaces.ContentHash(hash))
		}
	}
	return nil
}
