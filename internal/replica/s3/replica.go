// Package s3 provides an S3-backed replica.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/fclairamb/boxsync/internal/apperrors"
	"github.com/fclairamb/boxsync/internal/hasher"
	"github.com/fclairamb/boxsync/internal/metadata"
	"github.com/fclairamb/boxsync/internal/replica"
)

// HashMetadataKey is the object metadata entry holding the content hash.
// S3 returns user metadata keys lower-cased.
const HashMetadataKey = "content-sha256"

// Config holds configuration for the S3 replica.
type Config struct {
	// Bucket is the S3 bucket name.
	Bucket string

	// Region is the AWS region (optional, uses SDK default if empty).
	Region string

	// Endpoint is the S3 endpoint URL (optional, for S3-compatible services).
	Endpoint string

	// KeyPrefix is prepended to all object keys (e.g., "boxes/alice/").
	// Should end with "/" if non-empty.
	KeyPrefix string

	// ForcePathStyle forces path-style addressing (required for Localstack/MinIO).
	ForcePathStyle bool
}

// Client is the subset of the S3 API the replica uses. *s3.Client implements it.
type Client interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Replica stores files as objects in an S3 bucket.
type Replica struct {
	client    Client
	bucket    string
	keyPrefix string
	logger    *slog.Logger

	mu     sync.RWMutex
	closed bool
}

// Option configures Replica.
type Option func(*Replica)

// WithLogger sets a custom logger for the replica.
func WithLogger(l *slog.Logger) Option {
	return func(r *Replica) {
		r.logger = l
	}
}

// New creates a replica with an existing client.
func New(client Client, config Config, opts ...Option) *Replica {
	r := &Replica{
		client:    client,
		bucket:    config.Bucket,
		keyPrefix: config.KeyPrefix,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewFromConfig creates a replica with a client built from the default AWS
// credential chain and config.
func NewFromConfig(ctx context.Context, config Config, opts ...Option) (*Replica, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("%w: s3 bucket is required", apperrors.ErrRemoteNotConfigured)
	}

	var loadOpts []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(config.Region))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if config.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(config.Endpoint)
		})
	}
	if config.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return New(s3.NewFromConfig(awsCfg, s3Opts...), config, opts...), nil
}

func (r *Replica) fullKey(path string) string {
	return r.keyPrefix + path
}

func (r *Replica) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return apperrors.ErrStoreClosed
	}
	return nil
}

// List returns the metadata of every object under prefix, sorted by path.
// Objects written without a hash entry are downloaded and hashed.
func (r *Replica) List(ctx context.Context, prefix string) ([]*metadata.FileMetadata, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(r.fullKey(prefix)),
	})

	out := []*metadata.FileMetadata{}
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3 list objects: %w", err)
		}

		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			path := strings.TrimPrefix(key, r.keyPrefix)
			if path == "" || strings.HasSuffix(path, "/") {
				continue
			}

			md, err := r.describe(ctx, key, path)
			if errors.Is(err, apperrors.ErrNotFound) {
				// Deleted between listing and head.
				continue
			}
			if err != nil {
				return nil, err
			}
			if md.ModifiedAt.IsZero() {
				md.ModifiedAt = aws.ToTime(obj.LastModified).UTC()
			}
			out = append(out, md)
		}
	}

	// ListObjectsV2 returns keys in UTF-8 binary order, which is path order.
	return out, nil
}

func (r *Replica) describe(ctx context.Context, key, path string) (*metadata.FileMetadata, error) {
	head, err := r.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, path)
		}
		return nil, fmt.Errorf("s3 head object %s: %w", key, err)
	}

	md := &metadata.FileMetadata{
		Path:        path,
		ContentHash: head.Metadata[HashMetadataKey],
		Size:        aws.ToInt64(head.ContentLength),
		ModifiedAt:  aws.ToTime(head.LastModified).UTC(),
		Mode:        0o600,
	}

	if md.ContentHash == "" {
		r.logger.DebugContext(ctx, "object has no hash metadata, hashing content", "key", key)
		data, err := r.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		md.ContentHash = hasher.HashBytes(data)
		md.Size = int64(len(data))
	}
	return md, nil
}

// Read downloads the object at path.
func (r *Replica) Read(ctx context.Context, path string) ([]byte, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	key := r.fullKey(path)
	resp, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", apperrors.ErrNotFound, path)
		}
		return nil, fmt.Errorf("s3 get object %s: %w", key, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read s3 object body: %w", err)
	}
	return data, nil
}

// Write uploads data to path with its hash in the object metadata.
func (r *Replica) Write(ctx context.Context, path string, data []byte) (*metadata.FileMetadata, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	digest := hasher.HashBytes(data)
	key := r.fullKey(path)
	_, err := r.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(r.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata:      map[string]string{HashMetadataKey: digest},
	})
	if err != nil {
		return nil, fmt.Errorf("s3 put object %s: %w", key, err)
	}

	return &metadata.FileMetadata{
		Path:        path,
		ContentHash: digest,
		Size:        int64(len(data)),
		ModifiedAt:  time.Now().UTC(),
		Mode:        0o600,
	}, nil
}

// Delete removes the object at path.
func (r *Replica) Delete(ctx context.Context, path string) error {
	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.fullKey(path)
	_, err := r.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("s3 delete object %s: %w", key, err)
	}
	return nil
}

// Close marks the replica as closed.
func (r *Replica) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	return nil
}

// isNotFoundError checks if an error is an S3 not found error.
func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}

	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return true
	}

	errStr := err.Error()
	return strings.Contains(errStr, "NoSuchKey") ||
		strings.Contains(errStr, "NotFound") ||
		strings.Contains(errStr, "404")
}

var _ replica.Replica = (*Replica)(nil)
