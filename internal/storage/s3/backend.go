// Package s3 provides an S3-compatible (MinIO) document store with
// endpoint failover and metrics.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/liuyunc/mkviewer/internal/errs"
	"github.com/liuyunc/mkviewer/internal/logging"
	"github.com/liuyunc/mkviewer/internal/metrics"
	"github.com/liuyunc/mkviewer/pkg/models"
)

// BackendConfig holds S3 connection settings. Endpoints are tried in
// order and the first one that answers for the bucket is used.
type BackendConfig struct {
	Endpoints []string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Timeout   time.Duration // per-endpoint probe timeout
}

// S3Backend implements storage.Backend using S3/MinIO.
type S3Backend struct {
	client   *s3.Client
	presign  *s3.PresignClient
	bucket   string
	endpoint string
}

// NewBackend connects to the first reachable endpoint. When none answers
// it returns an *errs.ConnectionFailureError naming every endpoint tried.
func NewBackend(ctx context.Context, cfg BackendConfig) (*S3Backend, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("no s3 endpoints configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var lastErr error
	tried := make([]string, 0, len(cfg.Endpoints))
	for _, ep := range cfg.Endpoints {
		url := endpointURL(ep, cfg.UseSSL)
		tried = append(tried, url)

		backend, err := newClient(ctx, cfg, url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := backend.probe(ctx, cfg.Timeout); err != nil {
			logging.Warn("s3 endpoint unavailable",
				zap.String("endpoint", url), zap.Error(err))
			lastErr = err
			continue
		}

		logging.Info("connected to object store",
			zap.String("endpoint", url), zap.String("bucket", cfg.Bucket))
		return backend, nil
	}

	return nil, &errs.ConnectionFailureError{
		Service:   "object store",
		Endpoints: tried,
		Last:      lastErr,
	}
}

// endpointURL adds a scheme to bare host:port endpoints.
func endpointURL(ep string, useSSL bool) string {
	ep = strings.TrimRight(strings.TrimSpace(ep), "/")
	if strings.HasPrefix(ep, "http://") || strings.HasPrefix(ep, "https://") {
		return ep
	}
	if useSSL {
		return "https://" + ep
	}
	return "http://" + ep
}

func newClient(ctx context.Context, cfg BackendConfig, url string) (*S3Backend, error) {
	resolver := aws.EndpointResolverWithOptionsFunc(
		func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               url,
				HostnameImmutable: true,
			}, nil
		},
	)

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithEndpointResolverWithOptions(resolver),
		config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
		config.WithRetryMaxAttempts(1),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
	})

	return &S3Backend{
		client:   client,
		presign:  s3.NewPresignClient(client),
		bucket:   cfg.Bucket,
		endpoint: url,
	}, nil
}

func (b *S3Backend) probe(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	metrics.RecordS3Operation("head_bucket", time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("head bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Endpoint returns the endpoint URL chosen at connect time.
func (b *S3Backend) Endpoint() string { return b.endpoint }

// List returns every object under prefix, following continuation tokens.
// Directory placeholder keys (ending in "/") are skipped.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]models.ObjectInfo, error) {
	start := time.Now()

	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})

	var objects []models.ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			metrics.RecordS3Operation("list_objects", time.Since(start), false)
			return nil, fmt.Errorf("list objects %q: %w", prefix, err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			if key == "" || strings.HasSuffix(key, "/") {
				continue
			}
			objects = append(objects, models.ObjectInfo{
				Key:         key,
				Fingerprint: trimETag(aws.ToString(obj.ETag)),
				Size:        aws.ToInt64(obj.Size),
			})
		}
	}

	metrics.RecordS3Operation("list_objects", time.Since(start), true)
	logging.Debug("S3 list objects", zap.String("prefix", prefix), zap.Int("count", len(objects)))
	return objects, nil
}

// Stat returns the object's current ETag and size.
func (b *S3Backend) Stat(ctx context.Context, key string) (models.ObjectInfo, error) {
	start := time.Now()

	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("head_object", time.Since(start), false)
		if isNotFound(err) {
			return models.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, errs.ErrNotFound)
		}
		return models.ObjectInfo{}, fmt.Errorf("stat %s: %w", key, err)
	}

	metrics.RecordS3Operation("head_object", time.Since(start), true)
	return models.ObjectInfo{
		Key:         key,
		Fingerprint: trimETag(aws.ToString(out.ETag)),
		Size:        aws.ToInt64(out.ContentLength),
	}, nil
}

// GetObject retrieves a whole object.
func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	start := time.Now()

	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		metrics.RecordS3Operation("get_object", time.Since(start), false)
		if isNotFound(err) {
			return nil, 0, fmt.Errorf("get object %s: %w", key, errs.ErrNotFound)
		}
		return nil, 0, fmt.Errorf("get object %s: %w", key, err)
	}

	metrics.RecordS3Operation("get_object", time.Since(start), true)
	logging.Debug("S3 get object", zap.String("key", key))
	return result.Body, aws.ToInt64(result.ContentLength), nil
}

// PresignGet returns a signed GET URL valid for ttl.
func (b *S3Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	start := time.Now()

	req, err := b.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		metrics.RecordS3Operation("presign_get", time.Since(start), false)
		return "", fmt.Errorf("presign %s: %w", key, err)
	}

	metrics.RecordS3Operation("presign_get", time.Since(start), true)
	return req.URL, nil
}

// Type returns "s3".
func (b *S3Backend) Type() string { return "s3" }

// Close is a no-op for S3 backends.
func (b *S3Backend) Close() error { return nil }

// trimETag strips the quotes S3 puts around ETag values.
func trimETag(etag string) string {
	return strings.Trim(etag, `"`)
}

func isNotFound(err error) bool {
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nsk)
}
