package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// vaultMaxObject bounds objects stored in Vault. The KV engine is meant for
// small high-value blobs, not bulk data.
const vaultMaxObject = 512 << 10

// VaultBackend implements a storage backend on HashiCorp Vault's KV v2
// engine. It is used as an archival tier for small objects and for
// encryption key material.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a Vault storage backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - token: Vault token; empty falls back to the VAULT_TOKEN environment
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "objects")
func NewVaultBackend(address, token, mountPath, dataPath string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Put stores size bytes under key as a base64 KV v2 entry.
func (b *VaultBackend) Put(ctx context.Context, key string, r io.Reader, size int64, attrs interfaces.ObjectAttributes) (interfaces.PutResult, error) {
	if size > b.MaxObjectSize() {
		return interfaces.PutResult{}, interfaces.ErrObjectTooLarge
	}

	start := time.Now()
	data, err := io.ReadAll(io.LimitReader(r, b.MaxObjectSize()+1))
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to read object: %w", err)
	}
	if int64(len(data)) > b.MaxObjectSize() {
		return interfaces.PutResult{}, interfaces.ErrObjectTooLarge
	}

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content":      base64.StdEncoding.EncodeToString(data),
			"content_type": attrs.ContentType,
		},
	}

	vaultPath := b.secretPath(key)
	if _, err := b.client.Logical().WriteWithContext(ctx, vaultPath, secretData); err != nil {
		b.log.Error("Failed to write to Vault",
			slog.String("path", vaultPath),
			"err", err)
		return interfaces.PutResult{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored object in Vault",
		slog.String("path", vaultPath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.PutResult{
		LocationURI: b.locationURI + "/" + key,
		ETag:        interfaces.ComputeHash(data).String(),
		SizeBytes:   int64(len(data)),
	}, nil
}

// Get retrieves the object for key.
func (b *VaultBackend) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectAttributes, error) {
	vaultPath := b.secretPath(key)

	secret, err := b.client.Logical().ReadWithContext(ctx, vaultPath)
	if err != nil {
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, interfaces.ObjectAttributes{}, interfaces.ErrObjectNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := data["content"].(string)
	if !ok {
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("content key not found in Vault data")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("invalid content encoding in Vault data: %w", err)
	}

	attrs := interfaces.ObjectAttributes{}
	if ct, ok := data["content_type"].(string); ok {
		attrs.ContentType = ct
	}

	return io.NopCloser(strings.NewReader(string(raw))), attrs, nil
}

// Delete removes the object and its version metadata.
func (b *VaultBackend) Delete(ctx context.Context, key string) error {
	metaPath := fmt.Sprintf("%s/metadata/%s/%s", b.mountPath, b.dataPath, key)
	if _, err := b.client.Logical().DeleteWithContext(ctx, metaPath); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return nil
}

// List returns one page of keys under prefix from the KV metadata listing.
func (b *VaultBackend) List(ctx context.Context, prefix, pageToken string, pageSize int) (interfaces.ListPage, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	listPath := fmt.Sprintf("%s/metadata/%s", b.mountPath, b.dataPath)
	secret, err := b.client.Logical().ListWithContext(ctx, listPath)
	if err != nil {
		return interfaces.ListPage{}, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return interfaces.ListPage{}, nil
	}

	rawKeys, ok := secret.Data["keys"].([]interface{})
	if !ok {
		return interfaces.ListPage{}, nil
	}

	keys := make([]string, 0, len(rawKeys))
	for _, rk := range rawKeys {
		if key, ok := rk.(string); ok && strings.HasPrefix(key, prefix) && key > pageToken {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	var page interfaces.ListPage
	for _, key := range keys {
		if len(page.Objects) == pageSize {
			page.NextPageToken = page.Objects[len(page.Objects)-1].Key
			break
		}
		page.Objects = append(page.Objects, interfaces.ObjectInfo{Key: key})
	}
	return page, nil
}

// HealthCheck verifies Vault is initialized and unsealed.
func (b *VaultBackend) HealthCheck(ctx context.Context) interfaces.HealthStatus {
	status := interfaces.HealthStatus{CheckedAt: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(probeCtx)
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	if !health.Initialized || health.Sealed {
		status.Detail = fmt.Sprintf("initialized=%v sealed=%v", health.Initialized, health.Sealed)
		return status
	}
	status.Healthy = true
	return status
}

// MaxObjectSize returns the single-shot put ceiling.
func (b *VaultBackend) MaxObjectSize() int64 { return vaultMaxObject }

// Name returns a unique identifier for this storage backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *VaultBackend) LocationURI() string { return b.locationURI }

func (b *VaultBackend) secretPath(key string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, key)
}
