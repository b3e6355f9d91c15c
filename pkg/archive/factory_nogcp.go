//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSStoreFromURL(ctx context.Context, dest string) (ObjectStore, error) {
	return nil, fmt.Errorf("GCS archival is not enabled in this build (use -tags gcp)")
}
