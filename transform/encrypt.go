package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// gcmNonceSize is the standard 12-byte GCM nonce.
const gcmNonceSize = 12

// ErrDecryptionFailed covers any authentication or format failure during
// decryption. Decryption fails closed: no partial plaintext is ever
// returned.
var ErrDecryptionFailed = errors.New("decryption failed")

// GenerateKey returns a fresh random AES-256 key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext with AES-256-GCM under key. Output layout is
// [nonce][ciphertext+tag]; the nonce is fresh per call.
func Encrypt(key, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aesGCM.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt. The authentication tag is verified
// before any plaintext is returned; a tampered ciphertext yields
// ErrDecryptionFailed, never partial output.
func Decrypt(key, data []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("invalid key length %d, want %d", len(key), KeySize)
	}
	if len(data) < gcmNonceSize {
		return nil, ErrDecryptionFailed
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce, ciphertext := data[:gcmNonceSize], data[gcmNonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// EncryptBlob seals the whole blob and writes the result to a new blob under
// dir.
func EncryptBlob(key []byte, in *Blob, dir string) (*Blob, error) {
	plaintext, err := in.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob for encryption: %w", err)
	}
	sealed, err := Encrypt(key, plaintext)
	if err != nil {
		return nil, err
	}
	return NewBlobFromBytes(dir, sealed)
}

// DecryptBlob opens a blob sealed by EncryptBlob.
func DecryptBlob(key []byte, in *Blob, dir string) (*Blob, error) {
	sealed, err := in.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read blob for decryption: %w", err)
	}
	plaintext, err := Decrypt(key, sealed)
	if err != nil {
		return nil, err
	}
	return NewBlobFromBytes(dir, plaintext)
}
