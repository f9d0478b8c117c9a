package session

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"booml/internal/notebook/sandbox"
	"booml/internal/notebook/vm"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	lockStripes         = 64
	defaultTTL          = 15 * time.Minute
	shutdownParallelism = 8
)

// Registry maps session ids to live sessions.
type Registry struct {
	backend    vm.Backend
	sessions   *xsync.MapOf[string, *Session]
	stripes    [lockStripes]sync.Mutex
	closed     atomic.Bool
	defaultTTL time.Duration
	onDestroy  func(ctx context.Context, id string)
}

// Option configures a Registry.
type Option func(*Registry)

// WithDefaultTTL sets the TTL used when the VM spec carries none.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.defaultTTL = ttl
		}
	}
}

// WithDestroyHook registers a callback run after a session is removed.
func WithDestroyHook(fn func(ctx context.Context, id string)) Option {
	return func(r *Registry) {
		r.onDestroy = fn
	}
}

// NewRegistry creates a registry provisioning VMs through backend.
func NewRegistry(backend vm.Backend, opts ...Option) *Registry {
	r := &Registry{
		backend:    backend,
		sessions:   xsync.NewMapOf[string, *Session](),
		defaultTTL: defaultTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &r.stripes[h.Sum32()%lockStripes]
}

// Create provisions a session with default VM settings.
func (r *Registry) Create(ctx context.Context, id string, now time.Time) (*Session, error) {
	return r.CreateWith(ctx, id, vm.Overrides{}, now)
}

// CreateWith provisions (or re-provisions) the session VM and resets its namespace.
func (r *Registry) CreateWith(ctx context.Context, id string, overrides vm.Overrides, now time.Time) (*Session, error) {
	if id == "" {
		return nil, errors.ValidationError("session_id", "session id is required")
	}
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	if r.closed.Load() {
		return nil, errors.New(errors.ServiceUnavailable).WithMessage("session registry is shutting down")
	}
	if existing, ok := r.sessions.Load(id); ok && !existing.claim() {
		return nil, errors.New(errors.RunInProgress)
	}
	return r.createLocked(ctx, id, overrides, now)
}

func (r *Registry) createLocked(ctx context.Context, id string, overrides vm.Overrides, now time.Time) (*Session, error) {
	ctx = contextkey.With(ctx, contextkey.SessionID, id)
	handle, err := r.backend.Ensure(ctx, id, overrides)
	if err != nil {
		return nil, err
	}
	ttl := handle.Spec.TTL()
	if ttl <= 0 {
		ttl = r.defaultTTL
	}
	s := newSession(id, handle, sandbox.DefaultBuiltins(), ttl, now)
	r.sessions.Store(id, s)
	logger.Info(ctx, "session created", zap.String("vm_id", handle.ID), zap.Duration("ttl", ttl))
	return s, nil
}

// Get returns the session; touch bumps its last-used time.
func (r *Registry) Get(id string, touch bool, now time.Time) (*Session, bool) {
	s, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	if touch {
		s.Touch(now)
	}
	return s, true
}

// Ensure returns the existing session (touched) or creates it.
func (r *Registry) Ensure(ctx context.Context, id string, now time.Time) (*Session, error) {
	if s, ok := r.Get(id, true, now); ok {
		return s, nil
	}
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	if s, ok := r.sessions.Load(id); ok {
		s.Touch(now)
		return s, nil
	}
	if r.closed.Load() {
		return nil, errors.New(errors.ServiceUnavailable).WithMessage("session registry is shutting down")
	}
	return r.createLocked(ctx, id, vm.Overrides{}, now)
}

// Reset destroys the session VM and builds a fresh one under the same id.
func (r *Registry) Reset(ctx context.Context, id string, now time.Time) (*Session, error) {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	if r.closed.Load() {
		return nil, errors.New(errors.ServiceUnavailable).WithMessage("session registry is shutting down")
	}
	if existing, ok := r.sessions.Load(id); ok && !existing.claim() {
		return nil, errors.New(errors.RunInProgress)
	}
	if err := r.destroyLocked(ctx, id); err != nil {
		return nil, err
	}
	return r.createLocked(ctx, id, vm.Overrides{}, now)
}

// Destroy removes the session and its VM. Unknown ids are not an error.
func (r *Registry) Destroy(ctx context.Context, id string) error {
	mu := r.lockFor(id)
	mu.Lock()
	defer mu.Unlock()
	if existing, ok := r.sessions.Load(id); ok && !existing.claim() {
		return errors.New(errors.RunInProgress)
	}
	return r.destroyLocked(ctx, id)
}

func (r *Registry) destroyLocked(ctx context.Context, id string) error {
	ctx = contextkey.With(ctx, contextkey.SessionID, id)
	s, existed := r.sessions.LoadAndDelete(id)
	if existed && s.VM != nil {
		_ = s.VM.Transition(vm.StateDestroyed, time.Now())
	}
	if err := r.backend.Destroy(ctx, id); err != nil {
		return err
	}
	if existed {
		logger.Info(ctx, "session destroyed")
	}
	if r.onDestroy != nil {
		r.onDestroy(ctx, id)
	}
	return nil
}

// CleanupExpired destroys every expired, unleased session and returns the removed ids.
func (r *Registry) CleanupExpired(ctx context.Context, now time.Time) []string {
	var candidates []string
	r.sessions.Range(func(id string, s *Session) bool {
		if s.Expired(now) && !s.Busy() {
			candidates = append(candidates, id)
		}
		return true
	})

	removed := make([]string, 0, len(candidates))
	for _, id := range candidates {
		mu := r.lockFor(id)
		mu.Lock()
		s, ok := r.sessions.Load(id)
		if !ok || !s.Expired(now) || !s.claim() {
			mu.Unlock()
			continue
		}
		if err := r.destroyLocked(ctx, id); err != nil {
			logger.Warn(ctx, "failed to destroy expired session", zap.String("session_id", id), zap.Error(err))
		}
		mu.Unlock()
		removed = append(removed, id)
	}
	sort.Strings(removed)
	if len(removed) > 0 {
		logger.Info(ctx, "expired sessions removed", zap.Strings("session_ids", removed))
	}
	return removed
}

// Acquire leases the session for one run.
func (r *Registry) Acquire(id string) (*Lease, error) {
	s, ok := r.sessions.Load(id)
	if !ok {
		return nil, errors.New(errors.SessionNotFound).WithDetail("session_id", id)
	}
	if !s.claim() {
		if current, ok := r.sessions.Load(id); !ok || current != s {
			return nil, errors.New(errors.SessionNotFound).WithDetail("session_id", id)
		}
		return nil, errors.New(errors.RunInProgress).WithDetail("session_id", id)
	}
	return &Lease{session: s}, nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return r.sessions.Size()
}

// Shutdown destroys every session and rejects later creates. Teardown
// failures are logged.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var ids []string
	r.sessions.Range(func(id string, _ *Session) bool {
		ids = append(ids, id)
		return true
	})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(shutdownParallelism)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			mu := r.lockFor(id)
			mu.Lock()
			defer mu.Unlock()
			if err := r.destroyLocked(gctx, id); err != nil {
				logger.Warn(gctx, "failed to destroy session on shutdown", zap.String("session_id", id), zap.Error(err))
			}
			return nil
		})
	}
	err := g.Wait()
	logger.Info(ctx, "session registry shut down", zap.Int("sessions", len(ids)))
	return err
}

// StartSweeper runs CleanupExpired (and each extra hook) every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration, hooks ...func(now time.Time)) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				r.CleanupExpired(ctx, now)
				for _, hook := range hooks {
					hook(now)
				}
			}
		}
	}()
}
