package storage

import (
	"context"
)

const (
	BackendS3     = "s3"
	BackendVolume = "volume"
)

// Backend is a delivery destination for a finished artifact. Store copies the
// file at srcPath into the backend under the given job and returns a locator
// (URL or filesystem path) the artifact can later be retrieved from.
type Backend interface {
	Name() string

	Store(ctx context.Context, srcPath, jobId string) (string, error)
}
