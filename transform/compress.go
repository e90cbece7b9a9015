package transform

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Compress writes a zstd-compressed copy of in to a new blob under dir.
// Streams end to end; neither copy is fully resident.
func Compress(in *Blob, dir string) (*Blob, error) {
	src, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob for compression: %w", err)
	}
	defer src.Close()

	out, err := os.CreateTemp(dir, "blob-*.zst")
	if err != nil {
		return nil, fmt.Errorf("failed to create compressed blob: %w", err)
	}

	enc, err := zstd.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to create zstd writer: %w", err)
	}

	if _, err := io.Copy(enc, src); err != nil {
		enc.Close()
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("compression failed: %w", err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to close compressed blob: %w", err)
	}

	return NewBlob(out.Name())
}

// Decompress writes the zstd-decoded copy of in to a new blob under dir.
func Decompress(in *Blob, dir string) (*Blob, error) {
	src, err := in.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob for decompression: %w", err)
	}
	defer src.Close()

	dec, err := zstd.NewReader(src)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd reader: %w", err)
	}
	defer dec.Close()

	out, err := os.CreateTemp(dir, "blob-*.raw")
	if err != nil {
		return nil, fmt.Errorf("failed to create decompressed blob: %w", err)
	}

	if _, err := io.Copy(out, dec); err != nil {
		out.Close()
		os.Remove(out.Name())
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(out.Name())
		return nil, fmt.Errorf("failed to close decompressed blob: %w", err)
	}

	return NewBlob(out.Name())
}
