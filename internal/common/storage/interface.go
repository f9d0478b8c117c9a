// Package storage reads submission and ground-truth objects from an
// S3-compatible store.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrObjectNotFound is wrapped by backends when the bucket or key is absent.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage is the read side of an object store.
type ObjectStorage interface {
	// GetObject opens a reader for an object. Caller must close it.
	GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error)

	// StatObject returns size and ETag for an object.
	StatObject(ctx context.Context, bucket, objectKey string) (ObjectStat, error)
}

// ObjectStat contains object metadata.
type ObjectStat struct {
	SizeBytes   int64
	ETag        string
	ContentType string
}

// URIScheme prefixes object references stored in the catalog.
const URIScheme = "s3://"

// IsObjectURI reports whether path references the object store.
func IsObjectURI(path string) bool {
	return strings.HasPrefix(path, URIScheme)
}

// ParseURI splits "s3://bucket/key" into its parts.
func ParseURI(uri string) (bucket, key string, ok bool) {
	if !IsObjectURI(uri) {
		return "", "", false
	}
	bucket, key, found := strings.Cut(strings.TrimPrefix(uri, URIScheme), "/")
	if !found || bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
