package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"booml/internal/notebook/artifact"
	"booml/internal/notebook/sandbox"
	pkgerrors "booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// Sink receives the live output of a streaming run. It is called from engine goroutines.
type Sink interface {
	Stdout(p []byte)
	Stderr(p []byte)
	InputRequired(prompt string)
}

// Process is a launched run.
type Process struct {
	RunID string

	ctx         context.Context
	engine      *Engine
	req         Request
	ws          Workspace
	policy      *sandbox.Policy
	runDir      string
	sink        Sink
	interactive bool

	cmd    *exec.Cmd
	stdin  *os.File
	ctlR   *os.File
	replyW *os.File
	stdout *BoundedBuffer
	stderr *BoundedBuffer
	start  time.Time

	pause  chan bool
	exited chan struct{}
	done   chan struct{}
	result Result

	mu          sync.Mutex
	prompt      string
	waiting     bool
	stdinFed    bool
	stdinClosed bool
	exc         *sandbox.ExceptionInfo
	violation   string
	variables   map[string]string

	timedOut   atomic.Bool
	cancelled  atomic.Bool
	inputAbort atomic.Bool
}

func newProcess(ctx context.Context, e *Engine, req Request, ws Workspace, policy *sandbox.Policy, runDir string, sink Sink, interactive bool) *Process {
	return &Process{
		RunID:       req.RunID,
		ctx:         ctx,
		engine:      e,
		req:         req,
		ws:          ws,
		policy:      policy,
		runDir:      runDir,
		sink:        sink,
		interactive: interactive,
		stdout:      NewBoundedBuffer(e.limits.MaxStdBytes),
		stderr:      NewBoundedBuffer(e.limits.MaxStdBytes),
		pause:       make(chan bool),
		exited:      make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// finishedProcess wraps a result that was decided without launching anything.
func finishedProcess(res Result) *Process {
	p := &Process{RunID: res.RunID, done: make(chan struct{}), exited: make(chan struct{}), result: res}
	close(p.exited)
	close(p.done)
	return p
}

type pipePair struct {
	r, w *os.File
}

func newPipes(n int) ([]pipePair, error) {
	pairs := make([]pipePair, 0, n)
	for i := 0; i < n; i++ {
		r, w, err := os.Pipe()
		if err != nil {
			for _, p := range pairs {
				p.r.Close()
				p.w.Close()
			}
			return nil, fmt.Errorf("create pipe: %w", err)
		}
		pairs = append(pairs, pipePair{r: r, w: w})
	}
	return pairs, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		if f != nil {
			_ = f.Close()
		}
	}
}

func (p *Process) launch(argv, env []string) error {
	useHelper := p.engine.cfg.HelperPath != ""
	count := 5
	if useHelper {
		count = 6
	}
	pipes, err := newPipes(count)
	if err != nil {
		return err
	}
	stdinP, stdoutP, stderrP, ctlP, replyP := pipes[0], pipes[1], pipes[2], pipes[3], pipes[4]

	// child side: fd 3 writes control messages, fd 4 reads replies, fd 5 reads the init request
	extra := []*os.File{ctlP.w, replyP.r}
	var cmd *exec.Cmd
	var initP pipePair
	if useHelper {
		initP = pipes[5]
		extra = append(extra, initP.r)
		cmd = exec.Command(p.engine.cfg.HelperPath)
	} else {
		cmd = exec.Command(argv[0], argv[1:]...)
	}
	cmd.Dir = p.ws.Dir
	cmd.Env = env
	cmd.Stdin = stdinP.r
	cmd.Stdout = stdoutP.w
	cmd.Stderr = stderrP.w
	cmd.ExtraFiles = extra
	configureCommand(cmd)

	p.start = time.Now()
	startErr := cmd.Start()
	closeAll(stdinP.r, stdoutP.w, stderrP.w, ctlP.w, replyP.r, initP.r)
	if startErr != nil {
		closeAll(stdinP.w, stdoutP.r, stderrP.r, ctlP.r, replyP.w, initP.w)
		return fmt.Errorf("start process: %w", startErr)
	}
	p.cmd = cmd
	p.stdin = stdinP.w
	p.ctlR = ctlP.r
	p.replyW = replyP.w

	if useHelper {
		go p.sendInitRequest(initP.w, argv, env)
	} else if err := applyRlimits(cmd.Process.Pid, p.rlimits()); err != nil {
		logger.Warn(p.ctx, "apply rlimits failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
	}

	var drained sync.WaitGroup
	drained.Add(3)
	go p.pump(&drained, stdoutP.r, p.stdout, p.sinkStdout)
	go p.pump(&drained, stderrP.r, p.stderr, p.sinkStderr)
	go p.readControl(&drained)
	go p.watch()
	go p.wait(&drained)
	return nil
}

func (p *Process) rlimits() rlimits {
	l := p.engine.limits
	return rlimits{
		CPUSeconds:        uint64(l.TimeoutS + 1),
		FileBytes:         uint64(max(l.MaxFileBytes, 0)),
		AddressSpaceBytes: uint64(max(l.AddressSpaceBytes, 0)),
	}
}

func (p *Process) sendInitRequest(w *os.File, argv, env []string) {
	req := initRequest{
		WorkDir:        p.ws.Dir,
		Cmd:            argv,
		Env:            env,
		Limits:         p.rlimits(),
		SeccompProfile: p.engine.cfg.SeccompProfile,
		EnableSeccomp:  p.engine.cfg.EnableSeccomp,
	}
	if err := json.NewEncoder(w).Encode(req); err != nil {
		logger.Warn(p.ctx, "send init request failed", zap.Error(err))
	}
	_ = w.Close()
}

func (p *Process) sinkStdout(b []byte) {
	if p.sink != nil {
		p.sink.Stdout(b)
	}
}

func (p *Process) sinkStderr(b []byte) {
	if p.sink != nil {
		p.sink.Stderr(b)
	}
}

func (p *Process) pump(wg *sync.WaitGroup, r *os.File, buf *BoundedBuffer, forward func([]byte)) {
	defer wg.Done()
	defer r.Close()
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			_, _ = buf.Write(chunk[:n])
			forward(append([]byte(nil), chunk[:n]...))
		}
		if err != nil {
			return
		}
	}
}

func (p *Process) readControl(wg *sync.WaitGroup) {
	defer wg.Done()
	defer p.replyW.Close()
	defer p.ctlR.Close()

	sc := bufio.NewScanner(p.ctlR)
	sc.Buffer(make([]byte, 64*1024), maxControlLine)
	for sc.Scan() {
		var msg controlMessage
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			logger.Warn(p.ctx, "malformed control message", zap.Error(err))
			continue
		}
		switch msg.Type {
		case msgReady:
			logger.Debug(p.ctx, "bootstrap ready")
		case msgInputRequired:
			p.onInputRequired(msg.Prompt)
		case msgVariables:
			p.mu.Lock()
			p.variables = msg.Values
			p.mu.Unlock()
		case msgException:
			p.mu.Lock()
			p.exc = &sandbox.ExceptionInfo{Type: msg.ExcType, Message: msg.Message, Line: msg.Line}
			p.mu.Unlock()
		case msgViolation:
			p.mu.Lock()
			p.violation = msg.Message
			p.mu.Unlock()
		case msgDownload:
			p.onDownload(msg)
		default:
			logger.Warn(p.ctx, "unknown control message", zap.String("type", msg.Type))
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warn(p.ctx, "control channel failed", zap.Error(err))
		_, _ = io.Copy(io.Discard, p.ctlR)
	}
}

func (p *Process) onInputRequired(prompt string) {
	p.mu.Lock()
	p.prompt = prompt
	p.waiting = true
	fed := p.stdinFed
	p.mu.Unlock()

	switch {
	case p.interactive:
		p.setPaused(true)
		if p.sink != nil {
			p.sink.InputRequired(prompt)
		}
	case fed:
	default:
		p.inputAbort.Store(true)
		killProcessGroup(p.cmd.Process.Pid)
	}
}

func (p *Process) onDownload(msg controlMessage) {
	reply := controlReply{OK: true}
	var name string
	var err error
	if p.engine.download != nil {
		name, err = p.engine.download(p.ctx, msg.URL, msg.Filename)
	} else {
		name, err = sandbox.NewDownloader(p.policy, p.engine.client).Download(p.ctx, msg.URL, msg.Filename)
	}
	if err != nil {
		reply = controlReply{Error: &replyError{Kind: pkgerrors.KindOf(err), Message: err.Error()}}
	} else {
		reply.Name = name
	}
	if err := writeReply(p.replyW, reply); err != nil {
		logger.Warn(p.ctx, "write download reply failed", zap.Error(err))
	}
}

func (p *Process) setPaused(paused bool) {
	select {
	case p.pause <- paused:
	case <-p.exited:
	}
}

// watch enforces the wall-clock limit, pausing while input is awaited.
func (p *Process) watch() {
	remaining := p.engine.limits.Timeout()
	paused := false
	for {
		var timer *time.Timer
		var fire <-chan time.Time
		since := time.Now()
		if !paused {
			timer = time.NewTimer(remaining)
			fire = timer.C
		}
		select {
		case <-p.exited:
			stopTimer(timer)
			return
		case <-p.ctx.Done():
			stopTimer(timer)
			p.cancelled.Store(true)
			killProcessGroup(p.cmd.Process.Pid)
			return
		case <-fire:
			p.timedOut.Store(true)
			killProcessGroup(p.cmd.Process.Pid)
			return
		case next := <-p.pause:
			if timer != nil {
				stopTimer(timer)
				remaining -= time.Since(since)
			}
			paused = next
		}
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (p *Process) wait(drained *sync.WaitGroup) {
	waitErr := p.cmd.Wait()
	// reap anything left in the process group so the pipes reach EOF
	killProcessGroup(p.cmd.Process.Pid)
	close(p.exited)
	drained.Wait()

	p.mu.Lock()
	if !p.stdinClosed {
		p.stdinClosed = true
		_ = p.stdin.Close()
	}
	p.mu.Unlock()

	res := p.classify(waitErr)
	p.engine.finish(p.ctx, &res, p.ws.Dir)
	if err := os.RemoveAll(p.runDir); err != nil {
		logger.Warn(p.ctx, "remove run dir failed", zap.String("dir", p.runDir), zap.Error(err))
	}
	logger.Info(p.ctx, "run finished",
		zap.String("status", string(res.Status)),
		zap.Int("exit_code", res.ExitCode),
		zap.Int64("elapsed_ms", res.ElapsedMs),
		zap.Float64("cpu_seconds", res.CPUSeconds),
	)
	p.result = res
	close(p.done)
}

func (p *Process) classify(waitErr error) Result {
	state := p.cmd.ProcessState
	res := Result{
		RunID:           p.RunID,
		ExitCode:        exitCode(waitErr, state),
		ElapsedMs:       time.Since(p.start).Milliseconds(),
		Stdout:          p.stdout.String(),
		Stderr:          p.stderr.String(),
		StdoutTruncated: p.stdout.Truncated(),
		StderrTruncated: p.stderr.Truncated(),
		Variables:       map[string]string{},
	}
	res.CPUSeconds, res.PeakMemMB = usage(state)
	sig, signaled, cpuLimit := signalInfo(state)

	p.mu.Lock()
	exc, violation, vars, prompt := p.exc, p.violation, p.variables, p.prompt
	p.mu.Unlock()

	fail := func(status Status, code pkgerrors.ErrorCode, msg string) {
		res.Status = status
		res.Error = &artifact.ErrorInfo{Code: code.Kind(), Message: msg}
		if exc != nil {
			res.Error.Traceback = sandbox.FormatTraceback(*exc, p.req.Code, cellFileName)
		}
	}
	timeout := p.engine.limits.TimeoutS
	switch {
	case p.timedOut.Load():
		exc = nil
		fail(StatusTimeout, pkgerrors.ExecTimeout, fmt.Sprintf("execution exceeded the %d second time limit", timeout))
	case p.inputAbort.Load():
		res.Status = StatusInputRequired
		res.Prompt = prompt
	case p.cancelled.Load():
		exc = nil
		fail(StatusKilled, pkgerrors.OOMOrKilled, "run was cancelled")
	case signaled && cpuLimit:
		exc = nil
		fail(StatusTimeout, pkgerrors.ExecTimeout, fmt.Sprintf("CPU time limit of %d seconds exceeded", timeout+1))
	case signaled:
		exc = nil
		fail(StatusKilled, pkgerrors.OOMOrKilled, fmt.Sprintf("process was killed by signal %s", sig))
	case res.ExitCode == 0:
		res.Status = StatusSuccess
		if vars != nil {
			res.Variables = vars
		}
	case violation != "":
		fail(StatusError, pkgerrors.SandboxViolation, violation)
	case exc != nil:
		fail(StatusError, pkgerrors.NonzeroExit, exc.Type+": "+exc.Message)
	default:
		fail(StatusError, pkgerrors.NonzeroExit, fmt.Sprintf("process exited with status %d", res.ExitCode))
	}
	return res
}

func exitCode(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func (p *Process) feed(r io.Reader) {
	p.mu.Lock()
	p.stdinFed = true
	p.mu.Unlock()
	if _, err := io.Copy(p.stdin, r); err != nil && !errors.Is(err, os.ErrClosed) {
		logger.Debug(p.ctx, "stdin feed stopped", zap.Error(err))
	}
	p.CloseStdin()
}

// WriteStdin delivers data to the child and resumes the wall clock.
func (p *Process) WriteStdin(data []byte) error {
	if p.cmd == nil {
		return pkgerrors.New(pkgerrors.InvalidRunState).WithMessage("run is not active")
	}
	p.mu.Lock()
	if p.stdinClosed {
		p.mu.Unlock()
		return pkgerrors.New(pkgerrors.InvalidRunState).WithMessage("stdin is closed")
	}
	p.waiting = false
	p.prompt = ""
	p.mu.Unlock()
	if _, err := p.stdin.Write(data); err != nil {
		return pkgerrors.Wrapf(err, pkgerrors.InvalidRunState, "write stdin")
	}
	p.setPaused(false)
	return nil
}

// CloseStdin signals EOF to the child.
func (p *Process) CloseStdin() {
	if p.cmd == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stdinClosed {
		p.stdinClosed = true
		_ = p.stdin.Close()
	}
}

// Cancel kills the process group. Safe to call more than once.
func (p *Process) Cancel() {
	if p.cmd == nil {
		return
	}
	select {
	case <-p.exited:
		return
	default:
	}
	p.cancelled.Store(true)
	killProcessGroup(p.cmd.Process.Pid)
}

// Prompt returns the pending input prompt and whether input is awaited.
func (p *Process) Prompt() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prompt, p.waiting
}

// Done is closed once the result is available.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the run finishes and returns its result.
func (p *Process) Wait() Result {
	<-p.done
	return p.result
}
