package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// fallbackRegion is used for control-plane calls before any bucket
// region is known. Region lookups work from any region.
const fallbackRegion = "us-east-1"

// S3 implements ObjectStore against AWS S3. Buckets may live in
// different regions; clients are created lazily per region and bucket
// regions are cached after the first lookup.
type S3 struct {
	cfg    aws.Config
	logger *slog.Logger

	mu      sync.Mutex
	clients map[string]*regionClient // keyed by region
	regions map[string]string        // bucket -> region
}

// regionClient bundles the service client and the transfer-manager
// uploader for one region.
type regionClient struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// NewS3 builds an S3 store from the default credential chain (env vars,
// shared config). Credentials are validated for presence by the CLI
// layer before this runs.
func NewS3(ctx context.Context, logger *slog.Logger) (*S3, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("remote: loading AWS config: %w", err)
	}

	if cfg.Region == "" {
		cfg.Region = fallbackRegion
	}

	return &S3{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*regionClient),
		regions: make(map[string]string),
	}, nil
}

// Upload PUTs localPath to bucket/key through the transfer manager in
// the bucket's region.
func (s *S3) Upload(ctx context.Context, bucket, key, localPath string) error {
	rc, err := s.clientForBucket(ctx, bucket)
	if err != nil {
		return err
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("remote: opening %s for upload: %w", localPath, err)
	}
	defer f.Close()

	_, err = rc.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("remote: uploading %s to %s/%s: %w", localPath, bucket, key, err)
	}

	return nil
}

// Exists issues a metadata HEAD for bucket/key. A 404 is a definitive
// "absent", not an error.
func (s *S3) Exists(ctx context.Context, bucket, key string) (bool, error) {
	rc, err := s.clientForBucket(ctx, bucket)
	if err != nil {
		return false, err
	}

	_, err = rc.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var re *awshttp.ResponseError
		if errors.As(err, &re) && re.HTTPStatusCode() == http.StatusNotFound {
			return false, nil
		}

		return false, fmt.Errorf("remote: head %s/%s: %w", bucket, key, err)
	}

	return true, nil
}

// BucketRegion resolves and caches the region for bucket.
func (s *S3) BucketRegion(ctx context.Context, bucket string) (string, error) {
	s.mu.Lock()
	if region, ok := s.regions[bucket]; ok {
		s.mu.Unlock()
		return region, nil
	}
	s.mu.Unlock()

	region, err := manager.GetBucketRegion(ctx, s.client(s.cfg.Region), bucket)
	if err != nil {
		return "", fmt.Errorf("remote: resolving region for bucket %s: %w", bucket, err)
	}

	s.mu.Lock()
	s.regions[bucket] = region
	s.mu.Unlock()

	s.logger.Info("bucket region resolved",
		slog.String("bucket", bucket),
		slog.String("region", region),
	)

	return region, nil
}

// ListBuckets enumerates the account's buckets via the control surface.
func (s *S3) ListBuckets(ctx context.Context) ([]string, error) {
	out, err := s.client(s.cfg.Region).ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("remote: listing buckets: %w", err)
	}

	names := make([]string, 0, len(out.Buckets))
	for _, b := range out.Buckets {
		names = append(names, aws.ToString(b.Name))
	}

	return names, nil
}

// clientForBucket returns the region-correct client bundle for bucket,
// resolving the region if it is not cached yet.
func (s *S3) clientForBucket(ctx context.Context, bucket string) (*regionClient, error) {
	region, err := s.BucketRegion(ctx, bucket)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if rc, ok := s.clients[region]; ok {
		return rc, nil
	}

	client := s3.NewFromConfig(s.cfg, func(o *s3.Options) {
		o.Region = region
	})
	rc := &regionClient{client: client, uploader: manager.NewUploader(client)}
	s.clients[region] = rc

	return rc, nil
}

// client returns (creating if needed) the cached client for a region.
func (s *S3) client(region string) *s3.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rc, ok := s.clients[region]; ok {
		return rc.client
	}

	client := s3.NewFromConfig(s.cfg, func(o *s3.Options) {
		o.Region = region
	})
	s.clients[region] = &regionClient{client: client, uploader: manager.NewUploader(client)}

	return client
}
