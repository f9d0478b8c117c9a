package session

import (
	"sync"
	"sync/atomic"
	"time"

	"booml/internal/notebook/vm"
)

// Session is a live notebook session. The registry owns it; callers borrow it.
type Session struct {
	ID        string
	VM        *vm.Handle
	Builtins  []string
	CreatedAt time.Time
	TTL       time.Duration

	mu        sync.Mutex
	namespace map[string]string
	updatedAt time.Time
	leased    atomic.Bool
}

func newSession(id string, handle *vm.Handle, builtins []string, ttl time.Duration, now time.Time) *Session {
	return &Session{
		ID:        id,
		VM:        handle,
		Builtins:  append([]string(nil), builtins...),
		CreatedAt: now,
		TTL:       ttl,
		namespace: map[string]string{},
		updatedAt: now,
	}
}

// Workspace is the absolute workspace directory of the session VM.
func (s *Session) Workspace() string {
	return s.VM.WorkspacePath
}

// UpdatedAt returns the last time the session was touched.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// Touch bumps the last-used time. Time never moves backwards.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	if now.After(s.updatedAt) {
		s.updatedAt = now
	}
	s.mu.Unlock()
}

// Expired reports whether now - updated_at exceeds the session TTL.
func (s *Session) Expired(now time.Time) bool {
	return now.Sub(s.UpdatedAt()) > s.TTL
}

// Namespace returns a copy of the last variable snapshot.
func (s *Session) Namespace() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.namespace))
	for k, v := range s.namespace {
		out[k] = v
	}
	return out
}

// SetNamespace replaces the variable snapshot after a successful run.
func (s *Session) SetNamespace(values map[string]string) {
	next := make(map[string]string, len(values))
	for k, v := range values {
		next[k] = v
	}
	s.mu.Lock()
	s.namespace = next
	s.mu.Unlock()
}

// Busy reports whether a run currently holds the session lease.
func (s *Session) Busy() bool {
	return s.leased.Load()
}

// claim takes the lease without handing it out. A destroyed session keeps it
// so that stale lookups cannot lease it afterwards.
func (s *Session) claim() bool {
	return s.leased.CompareAndSwap(false, true)
}

// Lease grants exclusive execution rights on a session until Release.
type Lease struct {
	session *Session
	once    sync.Once
}

// Session returns the leased session.
func (l *Lease) Session() *Session {
	return l.session
}

// Release gives the session back. Safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() {
		l.session.leased.Store(false)
	})
}
