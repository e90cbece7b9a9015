package keystore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/vault/api"
)

// VaultKeyStore persists keys in HashiCorp Vault's KV v2 engine. References
// have the form vault:<id>; the id maps to <mount>/data/<path>/<id>.
type VaultKeyStore struct {
	client    *api.Client
	mountPath string
	dataPath  string
	sealer    *Sealer
	log       *slog.Logger
}

// NewVaultKeyStore creates a Vault-backed key store. sealer may be nil to
// rely on Vault's own encryption at rest alone.
func NewVaultKeyStore(address, token, mountPath, dataPath string, sealer *Sealer, log *slog.Logger) (*VaultKeyStore, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 15 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	return &VaultKeyStore{
		client:    client,
		mountPath: strings.TrimSuffix(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		sealer:    sealer,
		log:       log,
	}, nil
}

func (s *VaultKeyStore) Save(ctx context.Context, key []byte) (string, error) {
	stored := key
	if s.sealer != nil {
		sealed, err := s.sealer.Seal(key)
		if err != nil {
			return "", fmt.Errorf("failed to seal key: %w", err)
		}
		stored = sealed
	}

	id := uuid.NewString()
	_, err := s.client.Logical().WriteWithContext(ctx, s.secretPath(id), map[string]interface{}{
		"data": map[string]interface{}{
			"key": base64.StdEncoding.EncodeToString(stored),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to store key in Vault: %w", err)
	}

	s.log.Debug("Stored encryption key", slog.String("key_id", id))
	return "vault:" + id, nil
}

func (s *VaultKeyStore) Load(ctx context.Context, ref string) ([]byte, error) {
	id, err := s.refID(ref)
	if err != nil {
		return nil, err
	}

	secret, err := s.client.Logical().ReadWithContext(ctx, s.secretPath(id))
	if err != nil {
		return nil, fmt.Errorf("failed to read key from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, ErrKeyNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := data["key"].(string)
	if !ok {
		return nil, ErrKeyNotFound
	}
	stored, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding in Vault data: %w", err)
	}

	if s.sealer != nil {
		return s.sealer.Unseal(stored)
	}
	return stored, nil
}

func (s *VaultKeyStore) Delete(ctx context.Context, ref string) error {
	id, err := s.refID(ref)
	if err != nil {
		return err
	}

	metaPath := fmt.Sprintf("%s/metadata/%s/%s", s.mountPath, s.dataPath, id)
	if _, err := s.client.Logical().DeleteWithContext(ctx, metaPath); err != nil {
		return fmt.Errorf("failed to delete key from Vault: %w", err)
	}
	return nil
}

func (s *VaultKeyStore) secretPath(id string) string {
	return fmt.Sprintf("%s/data/%s/%s", s.mountPath, s.dataPath, id)
}

func (s *VaultKeyStore) refID(ref string) (string, error) {
	id, ok := strings.CutPrefix(ref, "vault:")
	if !ok || id == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidKeyRef, ref)
	}
	return id, nil
}
