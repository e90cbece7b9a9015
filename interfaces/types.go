package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ContentHash is a 32-byte SHA-256 digest identifying file content.
type ContentHash [32]byte

// NewContentHashFromBytes converts a raw 32-byte slice into a ContentHash.
func NewContentHashFromBytes(source []byte) (ContentHash, error) {
	if len(source) != 32 {
		return ContentHash{}, errors.New("invalid ContentHash conversion from bytes: incorrect length")
	}

	var hash [32]byte
	copy(hash[:], source)
	return ContentHash(hash), nil
}

// NewContentHashFromHex parses a 64-character hex string, with or without a
// 0x prefix.
func NewContentHashFromHex(source string) (ContentHash, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentHash{}, errors.New("invalid content hash length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentHash{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentHash(hash), nil
}

// ComputeHash calculates the content hash of data.
func ComputeHash(data []byte) ContentHash {
	return ContentHash(sha256.Sum256(data))
}

// String returns hex representation.
func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the raw 32-byte digest.
func (h ContentHash) Bytes() []byte {
	return h[:]
}

// Equal compares two content hashes.
func (h ContentHash) Equal(other ContentHash) bool {
	return bytes.Equal(h[:], other[:])
}

// IsZero reports whether the hash is unset.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// MarshalJSON encodes the hash as a hex string.
func (h ContentHash) MarshalJSON() ([]byte, error) {
	return []byte(`"` + h.String() + `"`), nil
}

// UnmarshalJSON decodes a hex string hash.
func (h *ContentHash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		*h = ContentHash{}
		return nil
	}
	parsed, err := NewContentHashFromHex(s)
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}

// ChunkDescriptor describes one fixed-size chunk of a stored file. Chunks
// concatenated in ascending Index order reconstruct the stored bytes.
type ChunkDescriptor struct {
	Index     int         `json:"index"`
	Offset    int64       `json:"offset"`
	SizeBytes int64       `json:"sizeBytes"`
	Hash      ContentHash `json:"hash"`
}

// PlacementRole distinguishes the authoritative copy from redundant ones.
type PlacementRole string

const (
	// RolePrimary marks the authoritative placement. Exactly one placement
	// per file record carries this role.
	RolePrimary PlacementRole = "primary"

	// RoleBackup marks a best-effort redundant copy.
	RoleBackup PlacementRole = "backup"
)

// UploadFlags are caller-supplied placement hints.
type UploadFlags struct {
	// Permanent routes the primary copy to the archival backend.
	Permanent bool

	// Critical requests an archival backup for files under the critical
	// size ceiling.
	Critical bool

	// DisableDedup forces a full store even when the content hash is
	// already known.
	DisableDedup bool

	// DisableBackup suppresses the best-effort secondary copy.
	DisableBackup bool

	// Encrypt applies authenticated encryption before upload.
	Encrypt bool

	// StrictType turns a declared/detected type mismatch into a rejection.
	StrictType bool
}
