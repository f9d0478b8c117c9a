package engine

import (
	"bytes"
	"fmt"
	"sync"
	"unicode/utf8"
)

// BoundedBuffer keeps the first limit bytes written to it and drops the rest.
type BoundedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	limit     int
	truncated bool
}

// NewBoundedBuffer returns a buffer holding at most limit bytes.
func NewBoundedBuffer(limit int) *BoundedBuffer {
	return &BoundedBuffer{limit: limit}
}

// Write never fails; bytes past the limit are discarded.
func (b *BoundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.limit - b.buf.Len()
	if room <= 0 {
		if len(p) > 0 {
			b.truncated = true
		}
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

// Truncated reports whether any byte was dropped.
func (b *BoundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}

// Len is the number of retained bytes.
func (b *BoundedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

// String returns the retained text followed by the truncation marker when bytes were dropped.
func (b *BoundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	data := b.buf.Bytes()
	if !b.truncated {
		return string(data)
	}
	// a cut may split the last rune
	for i := 0; i < utf8.UTFMax && len(data) > 0; i++ {
		r, size := utf8.DecodeLastRune(data)
		if r != utf8.RuneError || size != 1 {
			break
		}
		data = data[:len(data)-1]
	}
	return string(data) + TruncationMarker(b.limit)
}

// TruncationMarker is appended to a stream cut at limit bytes.
func TruncationMarker(limit int) string {
	return fmt.Sprintf("\n[output truncated at %d bytes]\n", limit)
}
