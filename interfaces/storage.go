package interfaces

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"
)

// ObjectAttributes carries metadata submitted alongside an object.
type ObjectAttributes struct {
	ContentType string
	Metadata    map[string]string
}

// PutResult describes a completed put operation.
type PutResult struct {
	LocationURI string
	ETag        string
	SizeBytes   int64
}

// PartResult describes a completed multipart part upload.
type PartResult struct {
	Index int
	ETag  string
	Size  int64
}

// ObjectInfo describes a listed object.
type ObjectInfo struct {
	Key          string
	SizeBytes    int64
	LastModified time.Time
	ETag         string
}

// ListPage is one page of a prefix listing.
type ListPage struct {
	Objects       []ObjectInfo
	NextPageToken string
}

// HealthStatus is the result of a backend probe.
type HealthStatus struct {
	Healthy   bool
	Detail    string
	CheckedAt time.Time
}

// StorageBackend provides keyed blob storage. All implementations must be
// safe for concurrent use. Put must not be called with a size exceeding
// MaxObjectSize; large objects go through MultipartCapable instead.
type StorageBackend interface {
	// Put stores size bytes read from r under key.
	Put(ctx context.Context, key string, r io.Reader, size int64, attrs ObjectAttributes) (PutResult, error)

	// Get retrieves the object stream. The caller closes the reader.
	Get(ctx context.Context, key string) (io.ReadCloser, ObjectAttributes, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns one page of objects under prefix.
	List(ctx context.Context, prefix, pageToken string, pageSize int) (ListPage, error)

	// HealthCheck is a cheap, side-effect-free probe. It is consumed by the
	// placement engine on a timer, never on the request hot path.
	HealthCheck(ctx context.Context) HealthStatus

	// MaxObjectSize returns the largest single-shot put the backend accepts.
	MaxObjectSize() int64

	// Name returns identifier for logging and placement records.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// MultipartCapable is implemented by backends that support chunked uploads
// with an explicit open/part/complete/abort lifecycle.
type MultipartCapable interface {
	OpenMultipart(ctx context.Context, key string, attrs ObjectAttributes) (MultipartUpload, error)
}

// MultipartUpload is a single in-flight chunked upload. The session moves
// through Open -> parts in flight -> Completed or Aborted; after Complete or
// Abort no further calls are valid. Implementations must release any
// server-side partial state on Abort.
type MultipartUpload interface {
	// UploadPart stores one part. Parts may be uploaded concurrently and in
	// any order; index is 1-based.
	UploadPart(ctx context.Context, index int, r io.Reader, size int64) (PartResult, error)

	// Complete assembles all uploaded parts in ascending index order. It must
	// only be called once every part has been acknowledged.
	Complete(ctx context.Context) (PutResult, error)

	// Abort releases the session and any server-side partial upload state.
	Abort(ctx context.Context) error
}

var (
	// ErrObjectNotFound is returned when a key does not exist in a backend.
	ErrObjectNotFound = errors.New("object not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible: network issues, authentication failures, or outages.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrObjectTooLarge is returned for single-shot puts over MaxObjectSize.
	ErrObjectTooLarge = errors.New("object exceeds backend size limit")

	// ErrInvalidLocationURI is returned for malformed or unsupported backend
	// URIs. URIs follow [scheme]://[auth@]host[:port][/path][?params].
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// BackendLocation represents a parsed storage backend URI.
type BackendLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewBackendLocation parses and validates a backend URI string.
func NewBackendLocation(uri string) (BackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return BackendLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "ipfs", "vault":
		// Valid scheme
	default:
		return BackendLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return BackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc BackendLocation) String() string {
	return loc.Raw
}

// GetParam returns a query parameter value.
func (loc BackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc BackendLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}
