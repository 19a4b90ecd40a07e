// Package s3 stores session state as objects in an S3-compatible bucket.
// Each value is one object; expiry is recorded in object metadata and
// enforced on read.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ggoodman/mcp-edge-go/storage"
	"github.com/jonboulle/clockwork"
)

const (
	metaCreatedAt = "created-at"
	metaExpiresAt = "expires-at"
)

// Config configures the S3 backend.
type Config struct {
	Client *s3.Client
	Bucket string
	// Prefix is prepended to every object key.
	// Default: "mcp/storage/"
	Prefix string
	// Clock is used for expiry. Defaults to the wall clock.
	Clock clockwork.Clock
}

// ClientConfig describes how to reach the bucket.
type ClientConfig struct {
	Region string
	// Endpoint overrides the AWS endpoint, e.g. for MinIO.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
}

// NewClient builds an S3 client from cc using the default AWS config chain.
// Static credentials are used when both keys are set.
func NewClient(ctx context.Context, cc ClientConfig) (*s3.Client, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cc.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cc.Region))
	}
	if cc.AccessKeyID != "" && cc.SecretAccessKey != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cc.AccessKeyID, cc.SecretAccessKey, ""),
		))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if cc.Endpoint != "" {
			o.BaseEndpoint = aws.String(cc.Endpoint)
		}
		o.UsePathStyle = cc.UsePathStyle
	}), nil
}

// Storage implements storage.Storage on S3.
type Storage struct {
	client *s3.Client
	bucket string
	prefix string
	clock  clockwork.Clock
}

// New creates an S3-backed storage. The bucket must already exist.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("s3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "mcp/storage/"
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Storage{
		client: cfg.Client,
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
		clock:  cfg.Clock,
	}, nil
}

// Get retrieves data for a specific key within the given namespace
func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.Item, error) {
	options, err := storage.Apply(opts...)
	if err != nil {
		return nil, err
	}
	objKey := s.buildKey(options.Namespace, key)

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get object %s: %w", objKey, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", objKey, err)
	}

	item := &storage.Item{Data: data}
	if v, ok := lookupMeta(out.Metadata, metaCreatedAt); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			item.CreatedAt = t
		}
	}
	if item.CreatedAt.IsZero() && out.LastModified != nil {
		item.CreatedAt = *out.LastModified
	}
	if v, ok := lookupMeta(out.Metadata, metaExpiresAt); ok {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("object %s has malformed expiry %q: %w", objKey, v, err)
		}
		item.ExpiresAt = &t
	}

	if item.ExpiredAt(s.clock.Now()) {
		_ = s.deleteObject(ctx, objKey)
		return nil, nil
	}
	return item, nil
}

// Set stores data for a specific key within the given namespace
func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	options, err := storage.Apply(opts...)
	if err != nil {
		return err
	}
	objKey := s.buildKey(options.Namespace, key)

	now := s.clock.Now()
	meta := map[string]string{metaCreatedAt: now.UTC().Format(time.RFC3339Nano)}
	if options.TTL != nil {
		meta[metaExpiresAt] = now.Add(*options.TTL).UTC().Format(time.RFC3339Nano)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objKey),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata:    meta,
	})
	if err != nil {
		return fmt.Errorf("failed to put object %s: %w", objKey, err)
	}
	return nil
}

// Delete removes data within the given namespace
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	options, err := storage.Apply(opts...)
	if err != nil {
		return err
	}

	if options.Key != nil {
		return s.deleteObject(ctx, s.buildKey(options.Namespace, *options.Key))
	}

	prefix := s.buildPrefix(options.Namespace)
	pager := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for pager.HasMorePages() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to list objects under %s: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			if err := s.deleteObject(ctx, aws.ToString(obj.Key)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close is a no-op; the S3 client holds no long-lived resources.
func (s *Storage) Close() error {
	return nil
}

func (s *Storage) deleteObject(ctx context.Context, objKey string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objKey),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete object %s: %w", objKey, err)
	}
	return nil
}

func (s *Storage) buildPrefix(namespace storage.Namespace) string {
	switch ns := namespace.(type) {
	case storage.SessionNamespace:
		return s.prefix + "session/" + ns.SessionID + "/"
	default:
		return s.prefix + "global/"
	}
}

func (s *Storage) buildKey(namespace storage.Namespace, key string) string {
	return s.buildPrefix(namespace) + key
}

func lookupMeta(meta map[string]string, key string) (string, bool) {
	for k, v := range meta {
		if strings.EqualFold(k, key) {
			return v, true
		}
	}
	return "", false
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var re *awshttp.ResponseError
	return errors.As(err, &re) && re.HTTPStatusCode() == 404
}

var _ storage.Storage = (*Storage)(nil)
