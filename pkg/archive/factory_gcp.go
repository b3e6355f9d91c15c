//go:build gcp

package archive

import (
	"context"
)

func newGCSStoreFromURL(ctx context.Context, dest string) (ObjectStore, error) {
	bucket, prefix, err := splitBucketURL(dest)
	if err != nil {
		return nil, err
	}

	return NewGCSStore(ctx, GCSStoreConfig{
		Bucket: bucket,
		Prefix: prefix,
	})
}
