package stream

import (
	"context"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"booml/internal/notebook/engine"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	// TailChunk caps the bytes returned per stream by one Tail call.
	TailChunk = 64 * 1024
	// WaitTimeout bounds a single WaitForStatus call.
	WaitTimeout = 25 * time.Second
	// Grace is how long a terminal run stays queryable.
	Grace = 5 * time.Minute

	cancelWait = 5 * time.Second
)

// Starter launches interactive processes. *engine.Engine implements it.
type Starter interface {
	Start(ctx context.Context, req engine.Request, ws engine.Workspace, sink engine.Sink) (*engine.Process, error)
	Limits() engine.Limits
}

// Manager tracks streaming runs.
type Manager struct {
	engine      Starter
	sessions    Sessions
	runs        *xsync.MapOf[string, *Run]
	now         func() time.Time
	waitTimeout time.Duration
	grace       time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithWaitTimeout overrides WaitTimeout.
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.waitTimeout = d }
}

// WithGrace overrides Grace.
func WithGrace(d time.Duration) Option {
	return func(m *Manager) { m.grace = d }
}

// NewManager creates a manager launching runs through eng.
func NewManager(eng Starter, sessions Sessions, opts ...Option) *Manager {
	m := &Manager{
		engine:      eng,
		sessions:    sessions,
		runs:        xsync.NewMapOf[string, *Run](),
		now:         time.Now,
		waitTimeout: WaitTimeout,
		grace:       Grace,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches code in the session. The session stays leased until the run is terminal.
func (m *Manager) Start(ctx context.Context, sessionID, cellID, code string) (*Run, error) {
	ws, release, err := m.sessions.Reserve(sessionID)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	limit := int64(m.engine.Limits().MaxStdBytes)
	run := &Run{
		RunID:      runID,
		SessionID:  sessionID,
		CellID:     cellID,
		StdoutPath: filepath.Join(ws.RunsDir, runID+".stdout"),
		StderrPath: filepath.Join(ws.RunsDir, runID+".stderr"),
		CreatedAt:  m.now(),
		done:       make(chan struct{}),
		status:     StatusRunning,
		seq:        1,
		changed:    make(chan struct{}),
	}
	if run.stdout, err = newScratch(run.StdoutPath, limit); err != nil {
		release(nil)
		return nil, errors.Wrapf(err, errors.InternalServerError, "create stdout scratch file")
	}
	if run.stderr, err = newScratch(run.StderrPath, limit); err != nil {
		_ = run.stdout.seal()
		release(nil)
		return nil, errors.Wrapf(err, errors.InternalServerError, "create stderr scratch file")
	}

	// the run outlives the request that started it
	runCtx := contextkey.With(context.WithoutCancel(ctx), contextkey.RunID, runID)
	proc, err := m.engine.Start(runCtx, engine.Request{
		SessionID: sessionID,
		RunID:     runID,
		Code:      code,
		Streaming: true,
	}, ws, runSink{run: run, now: m.now})
	if err != nil {
		_ = run.stdout.seal()
		_ = run.stderr.seal()
		release(nil)
		return nil, err
	}
	run.proc = proc
	m.runs.Store(runID, run)
	logger.Info(runCtx, "streaming run started", zap.String("session_id", sessionID), zap.String("cell_id", cellID))
	go m.monitor(runCtx, run, release)
	return run, nil
}

func (m *Manager) monitor(ctx context.Context, run *Run, release Release) {
	res := run.proc.Wait()
	for _, s := range []*scratch{run.stdout, run.stderr} {
		if err := s.seal(); err != nil {
			logger.Warn(ctx, "remove scratch file failed", zap.String("path", s.path), zap.Error(err))
		}
	}

	run.mu.Lock()
	run.result = res
	cancelled := run.cancelled
	run.mu.Unlock()

	next := StatusError
	switch {
	case cancelled && res.Status == engine.StatusKilled:
		next = StatusCancelled
	case res.Status == engine.StatusSuccess:
		next = StatusFinished
	}
	release(&res)
	run.transition(next, "", m.now())
	close(run.done)
	logger.Info(ctx, "streaming run finished", zap.String("status", string(next)))
}

func (m *Manager) lookup(runID string) (*Run, error) {
	run, ok := m.runs.Load(runID)
	if !ok {
		return nil, errors.New(errors.RunNotFound).WithDetail("run_id", runID)
	}
	return run, nil
}

// Get returns the run with the given id.
func (m *Manager) Get(runID string) (*Run, bool) {
	return m.runs.Load(runID)
}

// Tail returns output written since the given offsets, at most TailChunk per stream.
func (m *Manager) Tail(runID string, stdoutOff, stderrOff int64) (Tail, error) {
	run, err := m.lookup(runID)
	if err != nil {
		return Tail{}, err
	}
	snap := run.Snapshot()
	out, outOff, err := run.stdout.readFrom(stdoutOff, TailChunk)
	if err != nil {
		return Tail{}, errors.Wrapf(err, errors.InternalServerError, "read stdout")
	}
	errOut, errOff, err := run.stderr.readFrom(stderrOff, TailChunk)
	if err != nil {
		return Tail{}, errors.Wrapf(err, errors.InternalServerError, "read stderr")
	}
	return Tail{
		Stdout:       string(out),
		Stderr:       string(errOut),
		StdoutOffset: outOff,
		StderrOffset: errOff,
		Status:       snap.Status,
		StatusSeq:    snap.StatusSeq,
		Prompt:       snap.Prompt,
	}, nil
}

// WaitForStatus blocks until status_seq exceeds since or the wait timeout
// passes. A nil since returns at once unless the run is still running.
func (m *Manager) WaitForStatus(ctx context.Context, runID string, since *uint64) (Snapshot, error) {
	run, err := m.lookup(runID)
	if err != nil {
		return Snapshot{}, err
	}
	snap, changed := run.watch()
	var threshold uint64
	if since == nil {
		if snap.Status != StatusRunning {
			return snap, nil
		}
		threshold = snap.StatusSeq
	} else {
		threshold = *since
	}
	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()
	for snap.StatusSeq <= threshold {
		select {
		case <-changed:
			snap, changed = run.watch()
		case <-timer.C:
			return snap, nil
		case <-ctx.Done():
			return snap, ctx.Err()
		}
	}
	return snap, nil
}

// SendStdin answers a pending input request. A newline is appended when missing.
func (m *Manager) SendStdin(runID, data string) error {
	run, err := m.lookup(runID)
	if err != nil {
		return err
	}
	if !strings.HasSuffix(data, "\n") {
		data += "\n"
	}
	// flip the status first so a quick follow-up prompt is not overwritten
	if status, ok := run.resumeFromInput(m.now()); !ok {
		return errors.New(errors.ValidationFailed).WithMessagef("run is %s, not waiting for input", status)
	}
	if err := run.proc.WriteStdin([]byte(data)); err != nil {
		return err
	}
	return nil
}

// Cancel kills the run. Cancelling a terminal run is a no-op.
func (m *Manager) Cancel(runID string) error {
	run, err := m.lookup(runID)
	if err != nil {
		return err
	}
	run.mu.Lock()
	if run.status.Terminal() {
		run.mu.Unlock()
		return nil
	}
	run.cancelled = true
	run.mu.Unlock()

	run.proc.Cancel()
	select {
	case <-run.done:
	case <-time.After(cancelWait):
		logger.Warn(context.Background(), "cancelled run did not exit in time", zap.String("run_id", runID))
	}
	return nil
}

// Finalize waits for the run to end and returns its result.
func (m *Manager) Finalize(ctx context.Context, runID string) (engine.Result, error) {
	run, err := m.lookup(runID)
	if err != nil {
		return engine.Result{}, err
	}
	select {
	case <-run.done:
	case <-ctx.Done():
		return engine.Result{}, errors.Wrap(ctx.Err(), errors.Timeout)
	}
	run.mu.Lock()
	defer run.mu.Unlock()
	return run.result, nil
}

// EvictExpired drops terminal runs that ended more than the grace period ago.
func (m *Manager) EvictExpired(now time.Time) []string {
	var evicted []string
	m.runs.Range(func(id string, run *Run) bool {
		snap := run.Snapshot()
		if snap.FinishedAt != nil && now.Sub(*snap.FinishedAt) > m.grace {
			m.runs.Delete(id)
			evicted = append(evicted, id)
		}
		return true
	})
	sort.Strings(evicted)
	return evicted
}

// CancelSession cancels the active run of a session, if any.
func (m *Manager) CancelSession(sessionID string) {
	m.runs.Range(func(id string, run *Run) bool {
		if run.SessionID == sessionID && !run.Snapshot().Status.Terminal() {
			_ = m.Cancel(id)
		}
		return true
	})
}
