package agent

import (
	"bufio"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"sync"

	"booml/internal/notebook/engine"
	"booml/internal/notebook/stream"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// Server answers agent requests on a unix socket. It runs inside the VM.
type Server struct {
	engine   *engine.Engine
	sessions stream.Sessions
	streams  *stream.Manager
	conns    sync.WaitGroup
}

// NewServer serves runs through eng against the reserved workspace.
func NewServer(eng *engine.Engine, sessions stream.Sessions, streams *stream.Manager) *Server {
	return &Server{engine: eng, sessions: sessions, streams: streams}
}

// ListenAndServe binds socketPath and serves until ctx ends.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		logger.Warn(ctx, "chmod agent socket failed", zap.Error(err))
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln until ctx ends or ln fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	logger.Info(ctx, "vm agent listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, net.ErrClosed) {
				s.conns.Wait()
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	serveConn(ctx, conn, s.Handle)
}

// serveConn answers newline-delimited requests on conn until it closes.
func serveConn(ctx context.Context, conn net.Conn, handle func(context.Context, Request) Response) {
	defer conn.Close()
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		var req Request
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			_ = enc.Encode(errorResponse("", errors.Wrapf(err, errors.InvalidFormat, "decode request")))
			continue
		}
		resp := handle(ctx, req)
		if err := enc.Encode(resp); err != nil {
			logger.Warn(ctx, "write agent response failed", zap.Error(err))
			return
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn(ctx, "read agent request failed", zap.Error(err))
	}
}

// Handle executes one request.
func (s *Server) Handle(ctx context.Context, req Request) Response {
	if req.RunID != "" {
		ctx = contextkey.With(ctx, contextkey.RunID, req.RunID)
	}
	resp, err := s.dispatch(ctx, req)
	if err != nil {
		logger.Debug(ctx, "agent request failed", zap.String("type", req.Type), zap.Error(err))
		return errorResponse(req.ID, err)
	}
	resp.ID = req.ID
	resp.OK = true
	return resp
}

func (s *Server) dispatch(ctx context.Context, req Request) (Response, error) {
	switch req.Type {
	case TypePing:
		return Response{}, nil
	case TypeRun:
		if req.Stream {
			run, err := s.streams.Start(ctx, "", req.CellID, req.Code)
			if err != nil {
				return Response{}, err
			}
			return snapshotResponse(run.Snapshot()), nil
		}
		return s.runBlocking(ctx, req)
	case TypeStdin:
		if err := s.streams.SendStdin(req.RunID, req.Data); err != nil {
			return Response{}, err
		}
		return s.status(ctx, req.RunID, nil, false)
	case TypeCancel:
		if err := s.streams.Cancel(req.RunID); err != nil {
			return Response{}, err
		}
		return s.status(ctx, req.RunID, nil, false)
	case TypeStatus:
		return s.status(ctx, req.RunID, req.SinceSeq, true)
	case TypeTail:
		tail, err := s.streams.Tail(req.RunID, req.StdoutOffset, req.StderrOffset)
		if err != nil {
			return Response{}, err
		}
		return Response{
			RunID:        req.RunID,
			Status:       tail.Status,
			StatusSeq:    tail.StatusSeq,
			Prompt:       tail.Prompt,
			Stdout:       tail.Stdout,
			Stderr:       tail.Stderr,
			StdoutOffset: tail.StdoutOffset,
			StderrOffset: tail.StderrOffset,
		}, nil
	default:
		return Response{}, errors.Newf(errors.InvalidParams, "unknown request type %q", req.Type)
	}
}

func (s *Server) runBlocking(ctx context.Context, req Request) (Response, error) {
	ws, release, err := s.sessions.Reserve("")
	if err != nil {
		return Response{}, err
	}
	res, err := s.engine.Run(ctx, engine.Request{RunID: req.RunID, Code: req.Code}, ws)
	if err != nil {
		release(nil)
		return Response{}, err
	}
	release(&res)
	return Response{RunID: res.RunID, Result: &res}, nil
}

// status reports the run state; with wait it first blocks for a change.
// Terminal runs carry their result.
func (s *Server) status(ctx context.Context, runID string, since *uint64, wait bool) (Response, error) {
	var snap stream.Snapshot
	if wait {
		var err error
		if snap, err = s.streams.WaitForStatus(ctx, runID, since); err != nil {
			return Response{}, err
		}
	} else {
		run, ok := s.streams.Get(runID)
		if !ok {
			return Response{}, errors.New(errors.RunNotFound).WithDetail("run_id", runID)
		}
		snap = run.Snapshot()
	}
	resp := snapshotResponse(snap)
	if snap.Status.Terminal() {
		res, err := s.streams.Finalize(ctx, runID)
		if err != nil {
			return Response{}, err
		}
		resp.Result = &res
	}
	return resp, nil
}

func snapshotResponse(snap stream.Snapshot) Response {
	return Response{RunID: snap.RunID, Status: snap.Status, StatusSeq: snap.StatusSeq, Prompt: snap.Prompt}
}
