package storage

import (
	"context"
	"io"
)

// BundleStore keeps archived job bundles in one bucket.
type BundleStore interface {
	// Put uploads size bytes from body under key. A size of -1 streams until EOF.
	Put(ctx context.Context, key string, body io.Reader, size int64, meta ObjectMeta) error

	// Stat reports what the store holds under key.
	Stat(ctx context.Context, key string) (ObjectStat, error)
}

// ObjectMeta is attached to an uploaded bundle.
type ObjectMeta struct {
	ContentType string
	// Labels end up as user metadata (x-amz-meta-*).
	Labels map[string]string
}

type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
	Labels      map[string]string
}
