package storage

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// BackendFactory creates storage backends from location URIs.
type BackendFactory struct {
	log      *slog.Logger
	resolver *EndpointResolver
}

// NewBackendFactory creates a new factory instance. resolver may be nil when
// SRV-based endpoint discovery is not used.
func NewBackendFactory(logger *slog.Logger, resolver *EndpointResolver) *BackendFactory {
	return &BackendFactory{log: logger, resolver: resolver}
}

// BackendFor creates a storage backend from a location URI.
// The URI format is [scheme]://[auth@]host[:port][/path][?params].
//
// Supported schemes:
//   - file:// - Local filesystem storage
//   - s3://   - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node (Mutable File System API)
//   - vault:// - HashiCorp Vault KV v2 (small objects, archival tier)
//
// A URI with srv=true has its host resolved through DNS SRV records before
// the backend is constructed.
func (f *BackendFactory) BackendFor(loc interfaces.BackendLocation) (interfaces.StorageBackend, error) {
	switch strings.ToLower(loc.Scheme) {
	case "file":
		return f.createFileBackend(loc)
	case "s3":
		return f.createS3Backend(loc)
	case "ipfs":
		return f.createIPFSBackend(loc)
	case "vault":
		return f.createVaultBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// createFileBackend creates a file system storage backend.
// URI format: file:///var/lib/objects?max_object=68719476736
func (f *BackendFactory) createFileBackend(loc interfaces.BackendLocation) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating file backend", slog.String("uri", loc.Raw))

	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI", interfaces.ErrInvalidLocationURI)
	}

	maxObject := int64(0)
	if raw := loc.GetParam("max_object"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid max_object: %v", interfaces.ErrInvalidLocationURI, err)
		}
		maxObject = parsed
	}

	return NewFileBackend(path, maxObject, f.log)
}

// createS3Backend creates an S3 or S3-compatible storage backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=minio.internal:9000
func (f *BackendFactory) createS3Backend(loc interfaces.BackendLocation) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating S3 backend", slog.String("uri", redactAuth(loc)))

	bucketName := loc.Host
	prefix := strings.TrimPrefix(loc.Path, "/")

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	endpoint := loc.GetParam("endpoint")
	if loc.GetParamBool("srv") && endpoint != "" {
		resolved, err := f.resolveEndpoint(endpoint)
		if err != nil {
			return nil, err
		}
		endpoint = resolved
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		parts := strings.SplitN(loc.Auth, ":", 2)
		accessKey = parts[0]
		if len(parts) == 2 {
			secretKey = parts[1]
		}
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSBackend creates an IPFS storage backend.
// URI format: ipfs://host:port/objects
func (f *BackendFactory) createIPFSBackend(loc interfaces.BackendLocation) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating IPFS backend", slog.String("uri", loc.Raw))

	host := loc.Host
	port := "5001"
	if idx := strings.LastIndex(loc.Host, ":"); idx != -1 {
		host = loc.Host[:idx]
		port = loc.Host[idx+1:]
	}

	if loc.GetParamBool("srv") {
		resolved, err := f.resolveEndpoint(host)
		if err != nil {
			return nil, err
		}
		if idx := strings.LastIndex(resolved, ":"); idx != -1 {
			host = resolved[:idx]
			port = resolved[idx+1:]
		}
	}

	return NewIPFSBackend(host, port, loc.Path, f.log)
}

// createVaultBackend creates a Vault KV storage backend.
// URI format: vault://TOKEN@vault.internal:8200/secret/objects?tls=true
func (f *BackendFactory) createVaultBackend(loc interfaces.BackendLocation) (interfaces.StorageBackend, error) {
	f.log.Debug("Creating Vault backend", slog.String("uri", redactAuth(loc)))

	scheme := "https"
	if !loc.GetParamBool("tls") {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, loc.Host)

	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("%w: vault URI path must be /<mount>/<data-path>", interfaces.ErrInvalidLocationURI)
	}

	return NewVaultBackend(address, loc.Auth, parts[0], parts[1], f.log)
}

// BackendsFor creates backends for every URI, skipping invalid ones with a
// warning. Returns an error only when no backend could be created.
func (f *BackendFactory) BackendsFor(locations []interfaces.BackendLocation) ([]interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, loc := range locations {
		backend, err := f.BackendFor(loc)
		if err != nil {
			f.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", redactAuth(loc)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	return backends, nil
}

func (f *BackendFactory) resolveEndpoint(name string) (string, error) {
	if f.resolver == nil {
		return "", fmt.Errorf("SRV resolution requested but no resolver configured")
	}
	endpoints, err := f.resolver.Resolve(name)
	if err != nil {
		return "", err
	}
	return endpoints[0], nil
}

// redactAuth strips credentials from a URI before it reaches a log line.
func redactAuth(loc interfaces.BackendLocation) string {
	if loc.Auth == "" {
		return loc.Raw
	}
	return strings.Replace(loc.Raw, loc.Auth+"@", "***@", 1)
}
