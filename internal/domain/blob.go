package domain

import (
	"context"
	"io"
	"time"
)

// BlobInfo describes a stored object.
type BlobInfo struct {
	Path         string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// BlobWriter uploads archive files to object storage.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// BlobReader retrieves archive files from object storage. Get returns
// ErrNotFound when no object exists at the path.
type BlobReader interface {
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]BlobInfo, error)
}

// Archiver moves settled history from the database to cold storage.
type Archiver interface {
	ArchiveClosedPositions(ctx context.Context, before time.Time) (int64, error)
	ArchiveFundingEpochs(ctx context.Context, before time.Time) (int64, error)
	ArchiveAuditLog(ctx context.Context, before time.Time) (int64, error)
}
