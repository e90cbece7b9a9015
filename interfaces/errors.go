package interfaces

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ValidationError rejects input before any transform or upload runs. The
// caller can always recover by fixing the input.
type ValidationError struct {
	Reasons []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Reasons, "; ")
}

// TransformError reports a failed pipeline stage. The pipeline aborts and no
// partial file record is created.
type TransformError struct {
	Stage string
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform stage %s failed: %v", e.Stage, e.Err)
}

func (e *TransformError) Unwrap() error { return e.Err }

// BackendUnavailableError is returned when no healthy backend candidate
// exists. It fails fast, before any bytes are sent.
type BackendUnavailableError struct {
	Requested string
}

func (e *BackendUnavailableError) Error() string {
	if e.Requested != "" {
		return fmt.Sprintf("no healthy storage backend available (requested %s)", e.Requested)
	}
	return "no healthy storage backend available"
}

// UploadFailedError aggregates per-backend failures after every attempted
// backend rejected the upload.
type UploadFailedError struct {
	Causes map[string]error
}

func (e *UploadFailedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Causes[name]))
	}
	return "upload failed on all backends: " + strings.Join(parts, "; ")
}

// RetrievalFailedError aggregates per-placement failures after every
// placement of a file failed or was corrupt.
type RetrievalFailedError struct {
	FileID string
	Causes map[string]error
}

func (e *RetrievalFailedError) Error() string {
	names := make([]string, 0, len(e.Causes))
	for name := range e.Causes {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Causes[name]))
	}
	return fmt.Sprintf("retrieval of %s failed on all placements: %s",
		e.FileID, strings.Join(parts, "; "))
}

// IntegrityError reports a hash mismatch on retrieved bytes. It is
// candidate-level: the retrieval router treats it as a failed placement and
// moves on to the next one.
type IntegrityError struct {
	Backend string
	Key     string
	Want    ContentHash
	Got     ContentHash
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity check failed for %s on %s: want %s, got %s",
		e.Key, e.Backend, e.Want, e.Got)
}

// NotFoundError reports an unknown file identifier.
type NotFoundError struct {
	FileID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("file %s not found", e.FileID)
}

// RateLimitError reports an exhausted request quota. Recoverable after
// RetryAfter.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter)
}

// LedgerSyncError is internal to the ledger drainer; it is never surfaced to
// callers. After the retry budget is spent the entry is dropped with a
// terminal log record.
type LedgerSyncError struct {
	FileID   string
	Attempts int
	Err      error
}

func (e *LedgerSyncError) Error() string {
	return fmt.Sprintf("ledger sync for %s failed after %d attempts: %v", e.FileID, e.Attempts, e.Err)
}

func (e *LedgerSyncError) Unwrap() error { return e.Err }
