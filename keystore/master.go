package keystore

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/hashicorp/vault/shamir"
	"golang.org/x/crypto/argon2"

	"github.com/cobaltvault/storage-orchestration-backend/transform"
)

// Argon2id parameters for passphrase-derived master keys. Tuned for an
// interactive unlock, not bulk hashing.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
)

// saltSize is the salt length for passphrase derivation.
const saltSize = 16

// GenerateMasterKey returns a fresh random master key.
func GenerateMasterKey() ([]byte, error) {
	key := make([]byte, transform.KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	return key, nil
}

// SplitMasterKey splits a master key into shares such that any threshold of
// them reconstructs it. Individual shares reveal nothing about the key.
func SplitMasterKey(masterKey []byte, shares, threshold int) ([][]byte, error) {
	if len(masterKey) != transform.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", transform.KeySize, len(masterKey))
	}
	out, err := shamir.Split(masterKey, shares, threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}
	return out, nil
}

// CombineMasterKey reconstructs a master key from at least threshold shares.
func CombineMasterKey(shares [][]byte) ([]byte, error) {
	key, err := shamir.Combine(shares)
	if err != nil {
		return nil, fmt.Errorf("failed to combine master key shares: %w", err)
	}
	if len(key) != transform.KeySize {
		return nil, fmt.Errorf("combined key has unexpected length %d", len(key))
	}
	return key, nil
}

// DeriveMasterKey derives a master key from a passphrase with Argon2id.
// A nil salt generates a fresh one; the salt must be stored alongside the
// deployment configuration to derive the same key again.
func DeriveMasterKey(passphrase string, salt []byte) (key, usedSalt []byte, err error) {
	if passphrase == "" {
		return nil, nil, fmt.Errorf("empty passphrase")
	}
	if salt == nil {
		salt = make([]byte, saltSize)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}
	key = argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, transform.KeySize)
	return key, salt, nil
}
