package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

func mustLocation(t *testing.T, uri string) interfaces.BackendLocation {
	t.Helper()
	loc, err := interfaces.NewBackendLocation(uri)
	require.NoError(t, err)
	return loc
}

func TestFactoryCreatesFileBackend(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	backend, err := factory.BackendFor(mustLocation(t, "file://"+t.TempDir()))
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)
}

func TestFactoryFileMaxObject(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	backend, err := factory.BackendFor(mustLocation(t, "file://"+t.TempDir()+"?max_object=1024"))
	require.NoError(t, err)
	assert.Equal(t, int64(1024), backend.MaxObjectSize())
}

func TestFactoryCreatesS3Backend(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	backend, err := factory.BackendFor(mustLocation(t, "s3://AKID:SECRET@my-bucket/uploads?region=eu-west-1&endpoint=minio.internal:9000"))
	require.NoError(t, err)
	assert.IsType(t, &S3Backend{}, backend)
	assert.Contains(t, backend.Name(), "my-bucket")
}

func TestFactoryCreatesVaultBackend(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	backend, err := factory.BackendFor(mustLocation(t, "vault://token@vault.internal:8200/secret/objects"))
	require.NoError(t, err)
	assert.IsType(t, &VaultBackend{}, backend)
}

func TestFactoryVaultRejectsShortPath(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	_, err := factory.BackendFor(mustLocation(t, "vault://token@vault.internal:8200/secret"))
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestFactoryCreatesIPFSBackend(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	backend, err := factory.BackendFor(mustLocation(t, "ipfs://ipfs.internal:5001/objects"))
	require.NoError(t, err)
	assert.IsType(t, &IPFSBackend{}, backend)
	assert.Equal(t, "ipfs-ipfs.internal-5001", backend.Name())
}

func TestFactorySRVWithoutResolver(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	_, err := factory.BackendFor(mustLocation(t, "ipfs://objectstore.internal?srv=true"))
	assert.Error(t, err)
}

func TestFactoryRejectsUnknownScheme(t *testing.T) {
	_, err := interfaces.NewBackendLocation("gopher://example.com/objects")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestBackendsForSkipsInvalid(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	locations := []interfaces.BackendLocation{
		mustLocation(t, "file://"+t.TempDir()),
		mustLocation(t, "vault://token@vault.internal:8200/short"),
	}

	backends, err := factory.BackendsFor(locations)
	require.NoError(t, err)
	assert.Len(t, backends, 1)
}

func TestBackendsForAllInvalid(t *testing.T) {
	factory := NewBackendFactory(testLogger(), nil)

	_, err := factory.BackendsFor([]interfaces.BackendLocation{
		mustLocation(t, "vault://token@vault.internal:8200/short"),
	})
	assert.Error(t, err)
}
