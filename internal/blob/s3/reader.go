package s3blob

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/novafund/lifeperp/internal/domain"
)

// Reader implements domain.BlobReader against the archive bucket. The admin
// API serves archive listings and downloads through it.
type Reader struct {
	client *s3.Client
	bucket string
}

// NewReader creates a Reader over the given client's archive bucket.
func NewReader(c *Client) *Reader {
	return &Reader{
		client: c.S3(),
		bucket: c.Bucket(),
	}
}

// Get streams the archive file at the given key. The caller must close the
// returned reader. Returns domain.ErrNotFound when no object exists there.
func (r *Reader) Get(ctx context.Context, path string) (io.ReadCloser, error) {
	output, err := r.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(r.bucket),
		Key:    aws.String(path),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("s3blob: get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("s3blob: get %s: %w", path, err)
	}
	return output.Body, nil
}

// List returns metadata for every archive file under the given key prefix,
// following pagination until the listing is complete. Archive keys group by
// kind, so "archive/positions/" lists all position snapshots.
func (r *Reader) List(ctx context.Context, prefix string) ([]domain.BlobInfo, error) {
	var infos []domain.BlobInfo

	paginator := s3.NewListObjectsV2Paginator(r.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(r.bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("s3blob: list prefix %s: %w", prefix, err)
		}

		for _, obj := range page.Contents {
			info := domain.BlobInfo{
				Path: aws.ToString(obj.Key),
				Size: aws.ToInt64(obj.Size),
			}
			if obj.LastModified != nil {
				info.LastModified = *obj.LastModified
			}
			// ListObjectsV2 does not return ContentType; leave it empty.
			infos = append(infos, info)
		}
	}

	return infos, nil
}

// isNotFound reports whether the error means the requested object does not
// exist. GetObject returns a typed NoSuchKey; some S3-compatible stores
// only return a bare 404, so the HTTP status is the fallback check.
func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	type httpResponseError interface {
		HTTPStatusCode() int
	}
	var httpErr httpResponseError
	if errors.As(err, &httpErr) && httpErr.HTTPStatusCode() == 404 {
		return true
	}

	return false
}

var _ domain.BlobReader = (*Reader)(nil)
