package stream

import (
	"sync/atomic"
	"time"

	"booml/internal/notebook/engine"
	"booml/internal/notebook/session"
	"booml/pkg/errors"
)

// Release returns a reserved workspace. res is nil when the run never started.
type Release func(res *engine.Result)

// Sessions reserves a session workspace for exactly one run.
type Sessions interface {
	Reserve(sessionID string) (engine.Workspace, Release, error)
}

// RegistrySessions reserves sessions through registry leases and records the
// variable snapshot of successful runs.
type RegistrySessions struct {
	Registry *session.Registry
	Now      func() time.Time
}

func (r RegistrySessions) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Reserve leases the session.
func (r RegistrySessions) Reserve(sessionID string) (engine.Workspace, Release, error) {
	lease, err := r.Registry.Acquire(sessionID)
	if err != nil {
		return engine.Workspace{}, nil, err
	}
	sess := lease.Session()
	sess.Touch(r.now())
	release := func(res *engine.Result) {
		if res != nil && res.Status == engine.StatusSuccess {
			sess.SetNamespace(res.Variables)
		}
		sess.Touch(r.now())
		lease.Release()
	}
	return engine.WorkspaceFor(sess.VM), release, nil
}

// SingleWorkspace serves one fixed workspace, as inside a VM agent.
type SingleWorkspace struct {
	resolve func() engine.Workspace
	busy    atomic.Bool
}

// NewSingleWorkspace resolves the workspace on every reservation so policy
// changes made after startup are picked up.
func NewSingleWorkspace(resolve func() engine.Workspace) *SingleWorkspace {
	return &SingleWorkspace{resolve: resolve}
}

// Reserve fails with run_in_progress while another run holds the workspace.
func (s *SingleWorkspace) Reserve(string) (engine.Workspace, Release, error) {
	if !s.busy.CompareAndSwap(false, true) {
		return engine.Workspace{}, nil, errors.New(errors.RunInProgress)
	}
	return s.resolve(), func(*engine.Result) { s.busy.Store(false) }, nil
}
