package stream

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"sync"
)

// scratch is a per-run output file. Writes past limit are dropped. Once the
// run ends the content is captured in memory and the file is removed.
type scratch struct {
	path  string
	limit int64

	mu       sync.Mutex
	f        *os.File
	n        int64
	captured []byte
	sealed   bool
}

func newScratch(path string, limit int64) (*scratch, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &scratch{path: path, limit: limit, f: f}, nil
}

func (s *scratch) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed || s.n >= s.limit {
		return
	}
	if room := s.limit - s.n; int64(len(p)) > room {
		p = p[:room]
	}
	n, _ := s.f.Write(p)
	s.n += int64(n)
}

// seal captures the file content and deletes it.
func (s *scratch) seal() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return nil
	}
	s.sealed = true
	_ = s.f.Close()
	data, err := os.ReadFile(s.path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	s.captured = data
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// readFrom returns at most max bytes starting at off and the new offset.
func (s *scratch) readFrom(off int64, max int) ([]byte, int64, error) {
	if off < 0 {
		off = 0
	}
	s.mu.Lock()
	if s.sealed {
		data := s.captured
		s.mu.Unlock()
		return window(data, off, max)
	}
	size := s.n
	s.mu.Unlock()

	if off >= size {
		return nil, size, nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return nil, off, err
	}
	defer f.Close()
	n := min(size-off, int64(max))
	buf := make([]byte, n)
	read, err := f.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, off, err
	}
	return buf[:read], off + int64(read), nil
}

func window(data []byte, off int64, max int) ([]byte, int64, error) {
	if off >= int64(len(data)) {
		return nil, int64(len(data)), nil
	}
	end := min(off+int64(max), int64(len(data)))
	return data[off:end], end, nil
}
