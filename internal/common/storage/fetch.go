package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ZstdSuffix marks zstd-compressed objects.
const ZstdSuffix = ".zst"

// Fetch copies the object referenced by uri into dir and returns the local
// path. Objects ending in ".zst" are decompressed and stored without the
// suffix. maxBytes bounds the decompressed size; zero means unlimited.
func Fetch(ctx context.Context, store ObjectStorage, uri, dir string, maxBytes int64) (string, error) {
	bucket, key, ok := ParseURI(uri)
	if !ok {
		return "", fmt.Errorf("invalid object uri %q", uri)
	}
	if store == nil {
		return "", fmt.Errorf("object storage is not configured for %q", uri)
	}
	obj, err := store.GetObject(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	defer obj.Close()

	name := path.Base(key)
	var src io.Reader = obj
	if strings.HasSuffix(name, ZstdSuffix) {
		dec, err := zstd.NewReader(obj)
		if err != nil {
			return "", fmt.Errorf("open zstd stream failed: %w", err)
		}
		defer dec.Close()
		src = dec
		name = strings.TrimSuffix(name, ZstdSuffix)
	}
	if maxBytes > 0 {
		src = io.LimitReader(src, maxBytes+1)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create fetch dir failed: %w", err)
	}
	dest := filepath.Join(dir, name)
	f, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create local object failed: %w", err)
	}
	n, copyErr := io.Copy(f, src)
	closeErr := f.Close()
	if copyErr != nil {
		return "", fmt.Errorf("download object failed: %w", copyErr)
	}
	if closeErr != nil {
		return "", fmt.Errorf("close local object failed: %w", closeErr)
	}
	if maxBytes > 0 && n > maxBytes {
		_ = os.Remove(dest)
		return "", fmt.Errorf("object %q exceeds %d bytes", uri, maxBytes)
	}
	return dest, nil
}

// DirStorage serves objects from a local directory laid out as
// <root>/<bucket>/<key>.
type DirStorage struct {
	root string
}

// NewDirStorage creates a directory-backed store.
func NewDirStorage(root string) *DirStorage {
	return &DirStorage{root: root}
}

func (s *DirStorage) objectPath(bucket, objectKey string) (string, error) {
	p := filepath.Join(s.root, bucket, filepath.FromSlash(objectKey))
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("object key %q escapes storage root", objectKey)
	}
	return p, nil
}

func (s *DirStorage) GetObject(_ context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	p, err := s.objectPath(bucket, objectKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, dirError(err)
	}
	return f, nil
}

func (s *DirStorage) StatObject(_ context.Context, bucket, objectKey string) (ObjectStat, error) {
	p, err := s.objectPath(bucket, objectKey)
	if err != nil {
		return ObjectStat{}, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return ObjectStat{}, dirError(err)
	}
	return ObjectStat{SizeBytes: info.Size()}, nil
}

func dirError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrObjectNotFound, err)
	}
	return fmt.Errorf("open object failed: %w", err)
}
