// Package metadata owns the durable per-file record: identity, storage
// placements, processing provenance, access history, share grants, and the
// pending ledger-sync queue. Records persist in LevelDB with a read-through
// in-memory cache; updates are copy-on-write with a bounded version history.
package metadata

import (
	"time"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// historyDepth bounds the per-file version history. Older entries are pruned
// on update.
const historyDepth = 16

// StoragePlacement is one stored copy of a file's final bytes. Exactly one
// placement per record carries the primary role.
type StoragePlacement struct {
	BackendName string                   `json:"backendName"`
	Key         string                   `json:"key"`
	LocationURI string                   `json:"locationURI"`
	SizeBytes   int64                    `json:"sizeBytes"`
	ETag        string                   `json:"eTag"`
	Role        interfaces.PlacementRole `json:"role"`
}

// Provenance records which transforms were applied before upload and the
// parameters needed to reverse them. EncryptionKeyRef is an opaque keystore
// reference, never raw key material.
type Provenance struct {
	Compressed       bool                         `json:"compressed"`
	CompressionRatio float64                      `json:"compressionRatio,omitempty"`
	Encrypted        bool                         `json:"encrypted"`
	EncryptionKeyRef string                       `json:"encryptionKeyRef,omitempty"`
	Chunked          bool                         `json:"chunked"`
	ChunkManifest    []interfaces.ChunkDescriptor `json:"chunkManifest,omitempty"`
}

// ShareGrant is one entry in a file's append-only share ledger. Revoking
// flips Active to false; grants are never physically removed.
type ShareGrant struct {
	ShareID     string     `json:"shareId"`
	GranteeID   string     `json:"granteeId"`
	Permissions []string   `json:"permissions"`
	GrantedBy   string     `json:"grantedBy"`
	GrantedAt   time.Time  `json:"grantedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	Active      bool       `json:"active"`
}

// Expired reports whether the grant has passed its expiry.
func (g ShareGrant) Expired(now time.Time) bool {
	return g.ExpiresAt != nil && now.After(*g.ExpiresAt)
}

// AccessInfo tracks ownership and usage of a file.
type AccessInfo struct {
	Owner          string       `json:"owner"`
	AccessLevel    string       `json:"accessLevel"`
	DownloadCount  int64        `json:"downloadCount"`
	LastAccessedAt *time.Time   `json:"lastAccessedAt,omitempty"`
	Shares         []ShareGrant `json:"shares,omitempty"`
}

// LedgerSyncStatus is the state of a record's ledger anchoring.
type LedgerSyncStatus string

const (
	LedgerPending   LedgerSyncStatus = "pending"
	LedgerConfirmed LedgerSyncStatus = "confirmed"
	LedgerFailed    LedgerSyncStatus = "failed"
)

// LedgerSyncInfo tracks the anchoring of a record's content hash on an
// external ledger.
type LedgerSyncInfo struct {
	Status      LedgerSyncStatus `json:"status"`
	ExternalRef string           `json:"externalRef,omitempty"`
	Attempts    int              `json:"attempts"`
}

// FileRecord is the durable record for one stored file. The metadata store
// exclusively owns it; other components supply data to build or update one
// but hold no long-lived reference.
type FileRecord struct {
	FileID       string `json:"fileId"`
	Version      int    `json:"version"`
	OriginalName string `json:"originalName"`
	DeclaredType string `json:"declaredType"`
	DetectedType string `json:"detectedType,omitempty"`
	SizeBytes    int64  `json:"sizeBytes"`

	// ContentHash digests the original bytes and keys deduplication;
	// FinalHash digests the bytes actually stored, post-transform.
	ContentHash interfaces.ContentHash `json:"contentHash"`
	FinalHash   interfaces.ContentHash `json:"finalHash"`

	Category    string   `json:"category,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	StoragePlacements []StoragePlacement `json:"storagePlacements"`
	Provenance        Provenance         `json:"processingProvenance"`
	Access            AccessInfo         `json:"access"`
	LedgerSync        LedgerSyncInfo     `json:"ledgerSync"`
}

// PrimaryPlacement returns the authoritative placement, or false when the
// record has none.
func (r *FileRecord) PrimaryPlacement() (StoragePlacement, bool) {
	for _, p := range r.StoragePlacements {
		if p.Role == interfaces.RolePrimary {
			return p, true
		}
	}
	return StoragePlacement{}, false
}

// Clone returns a deep copy. Updates are copy-on-write, so callers mutate
// clones, never cached records.
func (r *FileRecord) Clone() *FileRecord {
	out := *r
	out.Tags = append([]string(nil), r.Tags...)
	out.StoragePlacements = append([]StoragePlacement(nil), r.StoragePlacements...)
	out.Provenance.ChunkManifest = append([]interfaces.ChunkDescriptor(nil), r.Provenance.ChunkManifest...)
	out.Access.Shares = append([]ShareGrant(nil), r.Access.Shares...)
	if r.Access.LastAccessedAt != nil {
		t := *r.Access.LastAccessedAt
		out.Access.LastAccessedAt = &t
	}
	for i, g := range out.Access.Shares {
		if g.ExpiresAt != nil {
			t := *g.ExpiresAt
			out.Access.Shares[i].ExpiresAt = &t
		}
	}
	return &out
}

// Redacted strips fields that must not reach unauthorized callers.
func (r *FileRecord) Redacted() *FileRecord {
	out := r.Clone()
	out.Provenance.EncryptionKeyRef = ""
	return out
}
