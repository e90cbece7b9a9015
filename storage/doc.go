// Package storage provides keyed blob storage backends behind the
// interfaces.StorageBackend contract: local file system, S3-compatible
// object stores, IPFS nodes, and HashiCorp Vault KV for small archival
// objects. Backends are constructed from location URIs through
// BackendFactory; hosts published as DNS SRV records resolve through
// EndpointResolver.
package storage
