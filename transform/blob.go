package transform

import (
	"crypto/sha256"
	"fmt"
	"io"
	"os"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// Blob is a file-backed byte sequence moving through the pipeline. Stages
// produce new blobs rather than mutating their input, so a failed stage can
// discard its own artifacts without corrupting upstream state.
type Blob struct {
	Path string
	Size int64
}

// NewBlob wraps an existing file.
func NewBlob(path string) (*Blob, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	return &Blob{Path: path, Size: info.Size()}, nil
}

// NewBlobFromBytes spools data into a temporary file under dir.
func NewBlobFromBytes(dir string, data []byte) (*Blob, error) {
	f, err := os.CreateTemp(dir, "blob-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("failed to create blob file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return nil, fmt.Errorf("failed to close blob: %w", err)
	}
	return &Blob{Path: f.Name(), Size: int64(len(data))}, nil
}

// Open returns a reader over the blob. The caller closes it.
func (b *Blob) Open() (io.ReadCloser, error) {
	return os.Open(b.Path)
}

// ReadAll loads the whole blob into memory.
func (b *Blob) ReadAll() ([]byte, error) {
	return os.ReadFile(b.Path)
}

// OpenRange returns a reader over [offset, offset+length).
func (b *Blob) OpenRange(offset, length int64) (io.ReadCloser, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return &rangeReader{f: f, remaining: length}, nil
}

// Hash streams the blob through SHA-256.
func (b *Blob) Hash() (interfaces.ContentHash, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return interfaces.ContentHash{}, err
	}
	defer f.Close()

	digest := sha256.New()
	if _, err := io.Copy(digest, f); err != nil {
		return interfaces.ContentHash{}, err
	}

	var hash [32]byte
	copy(hash[:], digest.Sum(nil))
	return interfaces.ContentHash(hash), nil
}

// Remove deletes the backing file. Safe to call on an already-removed blob.
func (b *Blob) Remove() {
	os.Remove(b.Path)
}

type rangeReader struct {
	f         *os.File
	remaining int64
}

func (r *rangeReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.f.Read(p)
	r.remaining -= int64(n)
	return n, err
}

func (r *rangeReader) Close() error {
	return r.f.Close()
}
