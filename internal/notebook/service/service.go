// Package service is the notebook session API: blocking runs, streaming
// runs, session reset and workspace file access. Runs of local sessions go
// through the in-process engine; runs of container sessions go through the
// VM agent listening inside the container.
package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"booml/internal/notebook/agent"
	"booml/internal/notebook/artifact"
	"booml/internal/notebook/engine"
	"booml/internal/notebook/sandbox"
	"booml/internal/notebook/session"
	"booml/internal/notebook/stream"
	"booml/internal/notebook/vm"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
)

const (
	// DefaultFilesPrefix is prepended to session ids in artifact URLs.
	DefaultFilesPrefix = "/api/sessions/"

	idlePoll        = 50 * time.Millisecond
	defaultIdleWait = 5 * time.Second
)

// Runner executes code to completion. *engine.Engine implements it.
type Runner interface {
	Run(ctx context.Context, req engine.Request, ws engine.Workspace) (engine.Result, error)
}

// Agent executes code inside one VM. *agent.Client implements it.
type Agent interface {
	Run(ctx context.Context, runID, code string) (engine.Result, error)
	Start(ctx context.Context, cellID, code string) (stream.Snapshot, error)
	Tail(ctx context.Context, runID string, stdoutOff, stderrOff int64) (stream.Tail, error)
	WaitForStatus(ctx context.Context, runID string, since *uint64) (stream.Snapshot, error)
	SendStdin(ctx context.Context, runID, data string) error
	Cancel(ctx context.Context, runID string) error
	Finalize(ctx context.Context, runID string) (engine.Result, error)
}

// Service serves notebook sessions.
type Service struct {
	registry    *session.Registry
	runner      Runner
	streams     *stream.Manager
	agentFor    func(h *vm.Handle) Agent
	remote      *xsync.MapOf[string, *remoteRun]
	filesPrefix string
	now         func() time.Time
	grace       time.Duration
	idleWait    time.Duration
}

// Config holds service dependencies and settings.
type Config struct {
	Registry *session.Registry
	Runner   Runner
	Streams  *stream.Manager

	// AgentFor returns the agent of a container VM. Defaults to a socket
	// client on the handle's agent socket.
	AgentFor func(h *vm.Handle) Agent

	FilesPrefix string
	Now         func() time.Time
	// Grace is how long finished remote runs stay queryable.
	Grace time.Duration
	// IdleWait bounds how long reset and destroy wait for a cancelled run
	// to let go of the session.
	IdleWait time.Duration
}

// NewService creates a notebook service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("session registry is required")
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if cfg.Streams == nil {
		return nil, fmt.Errorf("stream manager is required")
	}
	s := &Service{
		registry:    cfg.Registry,
		runner:      cfg.Runner,
		streams:     cfg.Streams,
		agentFor:    cfg.AgentFor,
		remote:      xsync.NewMapOf[string, *remoteRun](),
		filesPrefix: cfg.FilesPrefix,
		now:         cfg.Now,
		grace:       cfg.Grace,
		idleWait:    cfg.IdleWait,
	}
	if s.agentFor == nil {
		s.agentFor = func(h *vm.Handle) Agent { return agent.NewClient(h.AgentSocket()) }
	}
	if s.filesPrefix == "" {
		s.filesPrefix = DefaultFilesPrefix
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.grace <= 0 {
		s.grace = stream.Grace
	}
	if s.idleWait <= 0 {
		s.idleWait = defaultIdleWait
	}
	return s, nil
}

// SessionInfo describes a live session.
type SessionInfo struct {
	SessionID string            `json:"session_id"`
	VMID      string            `json:"vm_id"`
	Backend   string            `json:"backend"`
	State     vm.State          `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Busy      bool              `json:"busy"`
	Variables map[string]string `json:"variables"`
}

func describe(sess *session.Session) SessionInfo {
	return SessionInfo{
		SessionID: sess.ID,
		VMID:      sess.VM.ID,
		Backend:   sess.VM.Backend,
		State:     sess.VM.CurrentState(),
		CreatedAt: sess.CreatedAt,
		UpdatedAt: sess.UpdatedAt(),
		Busy:      sess.Busy(),
		Variables: sess.Namespace(),
	}
}

// Session returns the state of a live session without touching it.
func (s *Service) Session(sessionID string) (SessionInfo, error) {
	sess, ok := s.registry.Get(sessionID, false, s.now())
	if !ok {
		return SessionInfo{}, errors.New(errors.SessionNotFound).WithDetail("session_id", sessionID)
	}
	return describe(sess), nil
}

// RunCode executes code in the session, creating the session on first use,
// and returns the complete result.
func (s *Service) RunCode(ctx context.Context, sessionID, code string) (engine.Result, error) {
	ctx = contextkey.With(ctx, contextkey.SessionID, sessionID)
	sess, err := s.registry.Ensure(ctx, sessionID, s.now())
	if err != nil {
		return engine.Result{}, err
	}
	lease, err := s.registry.Acquire(sessionID)
	if err != nil {
		return engine.Result{}, err
	}
	defer lease.Release()

	runID := uuid.NewString()
	ctx = contextkey.With(ctx, contextkey.RunID, runID)
	var res engine.Result
	if isRemote(sess) {
		res, err = s.agentFor(sess.VM).Run(ctx, runID, code)
	} else {
		res, err = s.runner.Run(ctx, engine.Request{SessionID: sessionID, RunID: runID, Code: code}, engine.WorkspaceFor(sess.VM))
	}
	if err != nil {
		return engine.Result{}, err
	}
	if res.Status == engine.StatusSuccess {
		sess.SetNamespace(res.Variables)
	}
	sess.Touch(s.now())
	logger.Info(ctx, "run finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("elapsed_ms", res.ElapsedMs),
	)
	return s.rebase(sessionID, res), nil
}

// StartRun launches a streaming run and returns its first snapshot.
func (s *Service) StartRun(ctx context.Context, sessionID, cellID, code string) (stream.Snapshot, error) {
	ctx = contextkey.With(ctx, contextkey.SessionID, sessionID)
	sess, err := s.registry.Ensure(ctx, sessionID, s.now())
	if err != nil {
		return stream.Snapshot{}, err
	}
	if !isRemote(sess) {
		run, err := s.streams.Start(ctx, sessionID, cellID, code)
		if err != nil {
			return stream.Snapshot{}, err
		}
		return run.Snapshot(), nil
	}
	return s.startRemote(ctx, sess, cellID, code)
}

// Tail returns output written since the given offsets. With since set it
// first waits for the status sequence to move past it.
func (s *Service) Tail(ctx context.Context, runID string, stdoutOff, stderrOff int64, since *uint64) (stream.Tail, error) {
	if stdoutOff < 0 || stderrOff < 0 {
		return stream.Tail{}, errors.ValidationError("offset", "must not be negative")
	}
	if since != nil {
		if _, err := s.WaitStatus(ctx, runID, since); err != nil {
			return stream.Tail{}, err
		}
	}
	if _, ok := s.streams.Get(runID); ok {
		return s.streams.Tail(runID, stdoutOff, stderrOff)
	}
	rr, err := s.lookupRemote(runID)
	if err != nil {
		return stream.Tail{}, err
	}
	return rr.agent.Tail(ctx, runID, stdoutOff, stderrOff)
}

// WaitStatus blocks until the run status sequence exceeds since or the wait times out.
func (s *Service) WaitStatus(ctx context.Context, runID string, since *uint64) (stream.Snapshot, error) {
	if _, ok := s.streams.Get(runID); ok {
		return s.streams.WaitForStatus(ctx, runID, since)
	}
	rr, err := s.lookupRemote(runID)
	if err != nil {
		return stream.Snapshot{}, err
	}
	return rr.agent.WaitForStatus(ctx, runID, since)
}

// SendStdin answers an input request of the run.
func (s *Service) SendStdin(ctx context.Context, runID, data string) error {
	if _, ok := s.streams.Get(runID); ok {
		return s.streams.SendStdin(runID, data)
	}
	rr, err := s.lookupRemote(runID)
	if err != nil {
		return err
	}
	return rr.agent.SendStdin(ctx, runID, data)
}

// Cancel stops the run. Cancelling a finished run is a no-op.
func (s *Service) Cancel(ctx context.Context, runID string) error {
	if _, ok := s.streams.Get(runID); ok {
		return s.streams.Cancel(runID)
	}
	rr, err := s.lookupRemote(runID)
	if err != nil {
		return err
	}
	return rr.agent.Cancel(ctx, runID)
}

// Finalize waits for the run to end and returns its result with artifact
// URLs rooted at the session.
func (s *Service) Finalize(ctx context.Context, runID string) (engine.Result, error) {
	if run, ok := s.streams.Get(runID); ok {
		res, err := s.streams.Finalize(ctx, runID)
		if err != nil {
			return engine.Result{}, err
		}
		return s.rebase(run.SessionID, res), nil
	}
	rr, err := s.lookupRemote(runID)
	if err != nil {
		return engine.Result{}, err
	}
	res, err := rr.agent.Finalize(ctx, runID)
	if err != nil {
		return engine.Result{}, err
	}
	return s.rebase(rr.sessionID, res), nil
}

// Reset cancels the active run of the session and rebuilds its VM.
func (s *Service) Reset(ctx context.Context, sessionID string) (SessionInfo, error) {
	ctx = contextkey.With(ctx, contextkey.SessionID, sessionID)
	s.cancelSession(ctx, sessionID)
	s.waitIdle(ctx, sessionID)
	sess, err := s.registry.Reset(ctx, sessionID, s.now())
	if err != nil {
		return SessionInfo{}, err
	}
	return describe(sess), nil
}

// Destroy cancels the active run of the session and removes it.
func (s *Service) Destroy(ctx context.Context, sessionID string) error {
	ctx = contextkey.With(ctx, contextkey.SessionID, sessionID)
	s.cancelSession(ctx, sessionID)
	s.waitIdle(ctx, sessionID)
	return s.registry.Destroy(ctx, sessionID)
}

// File resolves a workspace file of the session for download.
func (s *Service) File(sessionID, name string) (string, error) {
	sess, ok := s.registry.Get(sessionID, true, s.now())
	if !ok {
		return "", errors.New(errors.SessionNotFound).WithDetail("session_id", sessionID)
	}
	path, err := sandbox.NewJail(sess.Workspace(), nil).Resolve(name)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", errors.Newf(errors.NotFound, "file %q not found", name)
	}
	return path, nil
}

// EvictExpired drops finished runs past their grace period.
func (s *Service) EvictExpired(now time.Time) []string {
	evicted := s.streams.EvictExpired(now)
	s.remote.Range(func(id string, rr *remoteRun) bool {
		if at, ok := rr.finished(); ok && now.Sub(at) > s.grace {
			s.remote.Delete(id)
			evicted = append(evicted, id)
		}
		return true
	})
	return evicted
}

func (s *Service) cancelSession(ctx context.Context, sessionID string) {
	s.streams.CancelSession(sessionID)
	s.remote.Range(func(id string, rr *remoteRun) bool {
		if rr.sessionID != sessionID {
			return true
		}
		if _, done := rr.finished(); done {
			return true
		}
		if err := rr.agent.Cancel(ctx, id); err != nil {
			logger.Warn(ctx, "cancel remote run failed", zap.String("run_id", id), zap.Error(err))
		}
		return true
	})
}

// waitIdle gives a cancelled run time to release its lease.
func (s *Service) waitIdle(ctx context.Context, sessionID string) {
	sess, ok := s.registry.Get(sessionID, false, s.now())
	if !ok || !sess.Busy() {
		return
	}
	deadline := time.NewTimer(s.idleWait)
	defer deadline.Stop()
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	for sess.Busy() {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) rebase(sessionID string, res engine.Result) engine.Result {
	res.Outputs, res.Artifacts = artifact.Rebase(res.Outputs, res.Artifacts, s.filesPrefix+sessionID+"/files/")
	return res
}

func isRemote(sess *session.Session) bool {
	return sess.VM != nil && sess.VM.Backend == vm.BackendDocker
}
