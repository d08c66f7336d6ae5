// Package remote abstracts the object store the daemon delivers to. The
// bucket engine talks to the ObjectStore interface; the production
// implementation is S3, tests substitute fakes.
package remote

import (
	"context"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// ObjectStore is the remote surface the uploader needs: keyed PUT,
// existence probe, and two control-plane lookups. Bucket construction
// uses BucketRegion; the engine does not call ListBuckets.
type ObjectStore interface {
	// Upload PUTs the local file at localPath into bucket under key.
	Upload(ctx context.Context, bucket, key, localPath string) error

	// Exists reports whether bucket/key exists via a metadata HEAD.
	Exists(ctx context.Context, bucket, key string) (bool, error)

	// BucketRegion resolves the region a bucket lives in.
	BucketRegion(ctx context.Context, bucket string) (string, error)

	// ListBuckets enumerates bucket names on the account.
	ListBuckets(ctx context.Context) ([]string, error)
}

// Key derives the remote object key for a local file under a bucket
// directory: the relative path with forward slashes, URL-unescaped, NFC
// normalized, and without a leading slash. Pure and stable under
// repeated calls.
func Key(localPath, bucketDir string) (string, error) {
	rel, err := filepath.Rel(bucketDir, localPath)
	if err != nil {
		return "", fmt.Errorf("remote: deriving key for %s under %s: %w", localPath, bucketDir, err)
	}

	if rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("remote: %s is not under bucket directory %s", localPath, bucketDir)
	}

	key := filepath.ToSlash(rel)

	if unescaped, err := url.PathUnescape(key); err == nil {
		key = unescaped
	}

	key = norm.NFC.String(key)

	return strings.TrimPrefix(key, "/"), nil
}
