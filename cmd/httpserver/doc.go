// Package main (cmd/httpserver) implements the storage orchestration server.
//
// The server exposes HTTP endpoints for file upload, retrieval, search,
// sharing and removal. Uploads pass through validation and a transform
// pipeline (deduplication, compression, encryption, chunking) before being
// placed on one or more storage backends with automatic failover; file
// metadata is kept in an embedded database and content hashes are anchored
// to an external ledger asynchronously.
//
// Storage backends are configured through repeatable --backend URIs. The
// scheme selects the implementation (file://, s3://, ipfs://, vault://) and
// query parameters carry backend-specific settings. The first backend is the
// default primary and the last is the archival target unless overridden.
//
// Encryption keys for stored files live in an in-memory keystore by default;
// with --vault-addr they are kept in HashiCorp Vault, optionally sealed under
// a master key. Ledger anchoring uses an Ethereum RPC when --ledger-rpc is
// set and an in-process mock otherwise.
//
// The server implements graceful shutdown on termination signals and
// supports health checks, metrics collection, and optional profiling
// endpoints.
//
// Example usage:
//
//	storage-orchestrator --listen-addr=0.0.0.0:8080 \
//	    --backend='file:///var/lib/storage/primary' \
//	    --backend='s3://key:secret@archive-bucket/files?region=us-east-1' \
//	    --db-path=/var/lib/storage/metadata.db
package main
