package service

import (
	"context"
	"sync"
	"time"

	"booml/internal/notebook/engine"
	"booml/internal/notebook/session"
	"booml/internal/notebook/stream"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const monitorRetryDelay = time.Second

// remoteRun is a streaming run executing inside a container VM. The
// session lease is held until the agent reports a terminal status.
type remoteRun struct {
	sessionID string
	agent     Agent

	mu         sync.Mutex
	finishedAt time.Time
}

func (r *remoteRun) finished() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt, !r.finishedAt.IsZero()
}

func (r *remoteRun) finish(now time.Time) {
	r.mu.Lock()
	if r.finishedAt.IsZero() {
		r.finishedAt = now
	}
	r.mu.Unlock()
}

func (s *Service) startRemote(ctx context.Context, sess *session.Session, cellID, code string) (stream.Snapshot, error) {
	lease, err := s.registry.Acquire(sess.ID)
	if err != nil {
		return stream.Snapshot{}, err
	}
	ag := s.agentFor(sess.VM)
	snap, err := ag.Start(ctx, cellID, code)
	if err != nil {
		lease.Release()
		return stream.Snapshot{}, err
	}
	snap.SessionID = sess.ID
	rr := &remoteRun{sessionID: sess.ID, agent: ag}
	s.remote.Store(snap.RunID, rr)

	runCtx := contextkey.With(context.WithoutCancel(ctx), contextkey.RunID, snap.RunID)
	logger.Info(runCtx, "remote streaming run started", zap.String("vm_id", sess.VM.ID), zap.String("cell_id", cellID))
	go s.monitorRemote(runCtx, snap, rr, lease)
	return snap, nil
}

// monitorRemote follows the run until it is terminal, then records the
// variable snapshot and returns the session.
func (s *Service) monitorRemote(ctx context.Context, snap stream.Snapshot, rr *remoteRun, lease *session.Lease) {
	defer lease.Release()
	sess := lease.Session()
	seq := snap.StatusSeq
	status := snap.Status
	failures := 0
	for !status.Terminal() {
		next, err := rr.agent.WaitForStatus(ctx, snap.RunID, &seq)
		if err != nil {
			failures++
			logger.Warn(ctx, "remote run status wait failed", zap.Int("failures", failures), zap.Error(err))
			if errors.Is(err, errors.RunNotFound) || failures >= 5 {
				rr.finish(s.now())
				return
			}
			time.Sleep(monitorRetryDelay)
			continue
		}
		failures = 0
		seq, status = next.StatusSeq, next.Status
	}
	rr.finish(s.now())

	res, err := rr.agent.Finalize(ctx, snap.RunID)
	if err != nil {
		logger.Warn(ctx, "remote run finalize failed", zap.Error(err))
		return
	}
	if res.Status == engine.StatusSuccess {
		sess.SetNamespace(res.Variables)
	}
	sess.Touch(s.now())
	logger.Info(ctx, "remote streaming run finished", zap.String("status", string(status)))
}

func (s *Service) lookupRemote(runID string) (*remoteRun, error) {
	rr, ok := s.remote.Load(runID)
	if !ok {
		return nil, errors.New(errors.RunNotFound).WithDetail("run_id", runID)
	}
	return rr, nil
}
