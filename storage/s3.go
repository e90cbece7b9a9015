package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"

	"github.com/cobaltvault/storage-orchestration-backend/interfaces"
)

// s3MaxSingleShot is the largest object submitted as one PutObject call.
// Anything larger must go through the multipart lifecycle.
const s3MaxSingleShot = 5 << 30

// S3Backend implements a storage backend using Amazon S3 or compatible
// services, including the native multipart upload lifecycle.
type S3Backend struct {
	client      *s3.S3
	bucketName  string
	prefix      string
	log         *slog.Logger
	locationURI string
}

// NewS3Backend creates a new S3 storage backend. accessKey and secretKey may
// be empty for public buckets, in which case writes are expected to fail.
func NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey string, log *slog.Logger) (*S3Backend, error) {
	uri := fmt.Sprintf("s3://%s/%s?region=%s", bucketName, prefix, region)
	if endpoint != "" {
		uri += fmt.Sprintf("&endpoint=%s", endpoint)
	}

	cfg := aws.Config{
		Region: aws.String(region),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	if accessKey != "" && secretKey != "" {
		cfg.Credentials = credentials.NewStaticCredentials(accessKey, secretKey, "")
	} else {
		log.Warn("No S3 credentials provided - write operations may fail unless bucket is public writable")
	}

	sess, err := session.NewSession(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return &S3Backend{
		client:      s3.New(sess),
		bucketName:  bucketName,
		prefix:      strings.TrimSuffix(prefix, "/"),
		log:         log,
		locationURI: uri,
	}, nil
}

// Put stores size bytes under key using a single PutObject call.
func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64, attrs interfaces.ObjectAttributes) (interfaces.PutResult, error) {
	if size > b.MaxObjectSize() {
		return interfaces.PutResult{}, interfaces.ErrObjectTooLarge
	}

	start := time.Now()
	objectKey := b.objectKey(key)

	// The SDK needs a seekable body for signing; buffer the stream.
	data, err := io.ReadAll(r)
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to buffer object: %w", err)
	}

	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey),
		Body:   aws.ReadSeekCloser(bytes.NewReader(data)),
	}
	if attrs.ContentType != "" {
		input.ContentType = aws.String(attrs.ContentType)
	}
	if len(attrs.Metadata) > 0 {
		input.Metadata = aws.StringMap(attrs.Metadata)
	}

	out, err := b.client.PutObjectWithContext(ctx, input)
	if err != nil {
		return interfaces.PutResult{}, fmt.Errorf("failed to upload object to S3: %w", err)
	}

	b.log.Debug("Stored object in S3",
		slog.String("bucket", b.bucketName),
		slog.String("key", objectKey),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return interfaces.PutResult{
		LocationURI: fmt.Sprintf("s3://%s/%s", b.bucketName, objectKey),
		ETag:        aws.StringValue(out.ETag),
		SizeBytes:   int64(len(data)),
	}, nil
}

// Get retrieves the object stream for key.
func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, interfaces.ObjectAttributes, error) {
	objectKey := b.objectKey(key)
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if strings.Contains(err.Error(), "NoSuchKey") || strings.Contains(err.Error(), "404") {
			return nil, interfaces.ObjectAttributes{}, interfaces.ErrObjectNotFound
		}
		return nil, interfaces.ObjectAttributes{}, fmt.Errorf("failed to get object from S3: %w", err)
	}

	attrs := interfaces.ObjectAttributes{
		ContentType: aws.StringValue(out.ContentType),
		Metadata:    aws.StringValueMap(out.Metadata),
	}
	return out.Body, attrs, nil
}

// Delete removes the object. S3 treats deleting a missing key as success.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object from S3: %w", err)
	}
	return nil
}

// List returns one page of objects under prefix using ListObjectsV2
// continuation tokens.
func (b *S3Backend) List(ctx context.Context, prefix, pageToken string, pageSize int) (interfaces.ListPage, error) {
	if pageSize <= 0 {
		pageSize = 1000
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(b.bucketName),
		Prefix:  aws.String(b.objectKey(prefix)),
		MaxKeys: aws.Int64(int64(pageSize)),
	}
	if pageToken != "" {
		input.ContinuationToken = aws.String(pageToken)
	}

	out, err := b.client.ListObjectsV2WithContext(ctx, input)
	if err != nil {
		return interfaces.ListPage{}, fmt.Errorf("failed to list objects in S3: %w", err)
	}

	page := interfaces.ListPage{}
	for _, obj := range out.Contents {
		page.Objects = append(page.Objects, interfaces.ObjectInfo{
			Key:          b.stripPrefix(aws.StringValue(obj.Key)),
			SizeBytes:    aws.Int64Value(obj.Size),
			LastModified: aws.TimeValue(obj.LastModified),
			ETag:         aws.StringValue(obj.ETag),
		})
	}
	if aws.BoolValue(out.IsTruncated) {
		page.NextPageToken = aws.StringValue(out.NextContinuationToken)
	}
	return page, nil
}

// HealthCheck heads the bucket; a reachable bucket means healthy.
func (b *S3Backend) HealthCheck(ctx context.Context) interfaces.HealthStatus {
	status := interfaces.HealthStatus{CheckedAt: time.Now()}

	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err := b.client.HeadBucketWithContext(probeCtx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucketName),
	})
	if err != nil {
		status.Detail = err.Error()
		return status
	}
	status.Healthy = true
	return status
}

// MaxObjectSize returns the single-shot put ceiling.
func (b *S3Backend) MaxObjectSize() int64 { return s3MaxSingleShot }

// Name returns a unique identifier for this storage backend.
func (b *S3Backend) Name() string {
	return fmt.Sprintf("s3-%s", b.bucketName)
}

// LocationURI returns the URI that identifies this storage backend.
func (b *S3Backend) LocationURI() string { return b.locationURI }

// OpenMultipart starts a native S3 multipart upload for key.
func (b *S3Backend) OpenMultipart(ctx context.Context, key string, attrs interfaces.ObjectAttributes) (interfaces.MultipartUpload, error) {
	objectKey := b.objectKey(key)

	input := &s3.CreateMultipartUploadInput{
		Bucket: aws.String(b.bucketName),
		Key:    aws.String(objectKey),
	}
	if attrs.ContentType != "" {
		input.ContentType = aws.String(attrs.ContentType)
	}
	if len(attrs.Metadata) > 0 {
		input.Metadata = aws.StringMap(attrs.Metadata)
	}

	out, err := b.client.CreateMultipartUploadWithContext(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("failed to create multipart upload: %w", err)
	}

	b.log.Debug("Opened S3 multipart upload",
		slog.String("bucket", b.bucketName),
		slog.String("key", objectKey),
		slog.String("upload_id", aws.StringValue(out.UploadId)))

	return &s3Multipart{
		backend:   b,
		objectKey: objectKey,
		uploadID:  aws.StringValue(out.UploadId),
		state:     multipartOpen,
	}, nil
}

// s3Multipart tracks one in-flight S3 multipart upload. On any failure the
// caller must Abort so the server-side partial upload is released; silent
// orphans accrue storage charges.
type s3Multipart struct {
	backend   *S3Backend
	objectKey string
	uploadID  string

	mu    sync.Mutex
	state multipartState
	parts []*s3.CompletedPart
}

func (m *s3Multipart) UploadPart(ctx context.Context, index int, r io.Reader, size int64) (interfaces.PartResult, error) {
	if index < 1 {
		return interfaces.PartResult{}, fmt.Errorf("part index must be >= 1, got %d", index)
	}
	m.mu.Lock()
	if m.state != multipartOpen {
		m.mu.Unlock()
		return interfaces.PartResult{}, fmt.Errorf("multipart upload is no longer open")
	}
	m.mu.Unlock()

	// UploadPart requires a seekable body; parts are bounded by the chunk
	// size so buffering one part is acceptable.
	data, err := io.ReadAll(r)
	if err != nil {
		return interfaces.PartResult{}, fmt.Errorf("failed to buffer part %d: %w", index, err)
	}

	out, err := m.backend.client.UploadPartWithContext(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(m.backend.bucketName),
		Key:        aws.String(m.objectKey),
		UploadId:   aws.String(m.uploadID),
		PartNumber: aws.Int64(int64(index)),
		Body:       aws.ReadSeekCloser(bytes.NewReader(data)),
	})
	if err != nil {
		return interfaces.PartResult{}, fmt.Errorf("failed to upload part %d: %w", index, err)
	}

	m.mu.Lock()
	m.parts = append(m.parts, &s3.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int64(int64(index)),
	})
	m.mu.Unlock()

	return interfaces.PartResult{
		Index: index,
		ETag:  aws.StringValue(out.ETag),
		Size:  int64(len(data)),
	}, nil
}

func (m *s3Multipart) Complete(ctx context.Context) (interfaces.PutResult, error) {
	m.mu.Lock()
	if m.state != multipartOpen {
		m.mu.Unlock()
		return interfaces.PutResult{}, fmt.Errorf("multipart upload is no longer open")
	}
	m.state = multipartCompleted
	parts := make([]*s3.CompletedPart, len(m.parts))
	copy(parts, m.parts)
	m.mu.Unlock()

	// S3 requires ascending part numbers in the completion request.
	sort.Slice(parts, func(i, j int) bool {
		return aws.Int64Value(parts[i].PartNumber) < aws.Int64Value(parts[j].PartNumber)
	})

	out, err := m.backend.client.CompleteMultipartUploadWithContext(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(m.backend.bucketName),
		Key:             aws.String(m.objectKey),
		UploadId:        aws.String(m.uploadID),
		MultipartUpload: &s3.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		// Completion failed: release the server-side partial upload before
		// surfacing the error.
		m.abortServerSide()
		return interfaces.PutResult{}, fmt.Errorf("failed to complete multipart upload: %w", err)
	}

	var total int64
	head, herr := m.backend.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(m.backend.bucketName),
		Key:    aws.String(m.objectKey),
	})
	if herr == nil {
		total = aws.Int64Value(head.ContentLength)
	}

	return interfaces.PutResult{
		LocationURI: aws.StringValue(out.Location),
		ETag:        aws.StringValue(out.ETag),
		SizeBytes:   total,
	}, nil
}

func (m *s3Multipart) Abort(ctx context.Context) error {
	m.mu.Lock()
	if m.state == multipartAborted {
		m.mu.Unlock()
		return nil
	}
	m.state = multipartAborted
	m.mu.Unlock()

	return m.abortServerSide()
}

func (m *s3Multipart) abortServerSide() error {
	// Abort must succeed even when the caller's context is already
	// cancelled, otherwise the partial upload is orphaned server-side.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := m.backend.client.AbortMultipartUploadWithContext(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(m.backend.bucketName),
		Key:      aws.String(m.objectKey),
		UploadId: aws.String(m.uploadID),
	})
	if err != nil {
		m.backend.log.Error("Failed to abort multipart upload",
			slog.String("key", m.objectKey),
			slog.String("upload_id", m.uploadID),
			"err", err)
		return fmt.Errorf("failed to abort multipart upload: %w", err)
	}

	m.backend.log.Debug("Aborted S3 multipart upload",
		slog.String("key", m.objectKey),
		slog.String("upload_id", m.uploadID))
	return nil
}

func (b *S3Backend) objectKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return path.Join(b.prefix, key)
}

func (b *S3Backend) stripPrefix(objectKey string) string {
	if b.prefix == "" {
		return objectKey
	}
	return strings.TrimPrefix(strings.TrimPrefix(objectKey, b.prefix), "/")
}
