// Package keystore persists per-file encryption keys outside the metadata
// store. File records carry only an opaque key reference; the key material
// itself lives in HashiCorp Vault (or in memory for tests and single-node
// deployments), wrapped under a master key that can be split into Shamir
// shares for operator custody.
package keystore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cobaltvault/storage-orchestration-backend/transform"
)

var (
	// ErrKeyNotFound is returned when a key reference does not resolve.
	ErrKeyNotFound = errors.New("encryption key not found")

	// ErrInvalidKeyRef is returned for malformed key references.
	ErrInvalidKeyRef = errors.New("invalid key reference")
)

// KeyStore persists encryption keys under opaque references. A reference is
// the only thing a file record may carry; implementations must never echo
// key material into logs or errors.
type KeyStore interface {
	// Save stores key and returns the reference to load it back.
	Save(ctx context.Context, key []byte) (ref string, err error)

	// Load resolves ref to the stored key.
	Load(ctx context.Context, ref string) ([]byte, error)

	// Delete removes the key. Deleting a missing ref is not an error.
	Delete(ctx context.Context, ref string) error
}

// Sealer wraps key material under a master key before it reaches the backing
// store, so a compromised store alone does not expose file keys.
type Sealer struct {
	masterKey []byte
}

// NewSealer creates a sealer around a 32-byte master key.
func NewSealer(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != transform.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", transform.KeySize, len(masterKey))
	}
	return &Sealer{masterKey: masterKey}, nil
}

// Seal wraps key under the master key.
func (s *Sealer) Seal(key []byte) ([]byte, error) {
	return transform.Encrypt(s.masterKey, key)
}

// Unseal unwraps data produced by Seal.
func (s *Sealer) Unseal(data []byte) ([]byte, error) {
	return transform.Decrypt(s.masterKey, data)
}

// MemoryKeyStore keeps keys in process memory. Used in tests and in
// deployments without a Vault cluster; keys do not survive a restart.
type MemoryKeyStore struct {
	sealer *Sealer

	mu   sync.RWMutex
	keys map[string][]byte
}

// NewMemoryKeyStore creates an in-memory key store. sealer may be nil, in
// which case keys are stored unwrapped.
func NewMemoryKeyStore(sealer *Sealer) *MemoryKeyStore {
	return &MemoryKeyStore{sealer: sealer, keys: make(map[string][]byte)}
}

func (s *MemoryKeyStore) Save(ctx context.Context, key []byte) (string, error) {
	stored := append([]byte(nil), key...)
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(key)
		if err != nil {
			return "", fmt.Errorf("failed to seal key: %w", err)
		}
		stored = sealed
	}

	ref := "mem:" + uuid.NewString()
	s.mu.Lock()
	s.keys[ref] = stored
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryKeyStore) Load(ctx context.Context, ref string) ([]byte, error) {
	if !strings.HasPrefix(ref, "mem:") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKeyRef, ref)
	}

	s.mu.RLock()
	stored, ok := s.keys[ref]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrKeyNotFound
	}

	if s.sealer != nil {
		return s.sealer.Unseal(stored)
	}
	return append([]byte(nil), stored...), nil
}

func (s *MemoryKeyStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	delete(s.keys, ref)
	s.mu.Unlock()
	return nil
}
