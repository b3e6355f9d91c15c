package archive

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
)

// NewObjectStore creates a checkpoint destination from a destination URL.
//
// Supported forms:
//   - "s3://bucket/prefix"  — AWS S3 (or MinIO/LocalStack via CHRONICLE_S3_ENDPOINT)
//   - "gs://bucket/prefix"  — Google Cloud Storage (requires -tags gcp)
//   - "file:///path" or a bare path — local filesystem
//
// For S3 the region comes from CHRONICLE_S3_REGION, then AWS_REGION,
// then "us-east-1".
func NewObjectStore(ctx context.Context, dest string) (ObjectStore, error) {
	switch {
	case dest == "":
		return nil, fmt.Errorf("archive destination required")
	case strings.HasPrefix(dest, "s3://"):
		return newS3StoreFromURL(ctx, dest)
	case strings.HasPrefix(dest, "gs://"):
		return newGCSStoreFromURL(ctx, dest)
	case strings.HasPrefix(dest, "file://"):
		return NewFileStore(strings.TrimPrefix(dest, "file://"))
	default:
		return NewFileStore(dest)
	}
}

// splitBucketURL parses "scheme://bucket/prefix" into bucket and a
// prefix normalized to end with "/" when present.
func splitBucketURL(dest string) (bucket, prefix string, err error) {
	u, err := url.Parse(dest)
	if err != nil {
		return "", "", fmt.Errorf("invalid archive destination %q: %w", dest, err)
	}
	if u.Host == "" {
		return "", "", fmt.Errorf("archive destination %q is missing a bucket", dest)
	}

	prefix = strings.Trim(u.Path, "/")
	if prefix != "" {
		prefix += "/"
	}
	return u.Host, prefix, nil
}

func newS3StoreFromURL(ctx context.Context, dest string) (ObjectStore, error) {
	bucket, prefix, err := splitBucketURL(dest)
	if err != nil {
		return nil, err
	}

	region := os.Getenv("CHRONICLE_S3_REGION")
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1"
	}

	cfg := S3StoreConfig{
		Bucket:   bucket,
		Region:   region,
		Endpoint: os.Getenv("CHRONICLE_S3_ENDPOINT"),
		Prefix:   prefix,
	}

	return NewS3Store(ctx, cfg)
}
