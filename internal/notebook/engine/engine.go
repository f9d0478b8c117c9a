package engine

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"booml/internal/notebook/artifact"
	"booml/internal/notebook/sandbox"
	"booml/pkg/errors"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/logger"

	"github.com/google/shlex"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	mainFileName = "main.py"
	cellFileName = "<cell>"
	defaultPath  = "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin"
)

// Engine runs notebook code in a sandboxed interpreter process.
type Engine struct {
	cfg       Config
	limits    Limits
	argv      []string
	collector *artifact.Collector
	client    *http.Client
	download  DownloadFunc
}

// Option configures an Engine.
type Option func(*Engine)

// WithHTTPClient sets the client used by download_file.
func WithHTTPClient(client *http.Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// DownloadFunc fetches rawURL into the run's workspace and returns the
// workspace-relative name.
type DownloadFunc func(ctx context.Context, rawURL, filename string) (string, error)

// WithDownloadFunc hands download_file requests to fn instead of fetching
// from this process. A VM without network forwards them to the host.
func WithDownloadFunc(fn DownloadFunc) Option {
	return func(e *Engine) {
		e.download = fn
	}
}

// New creates an engine from cfg and limits.
func New(cfg Config, limits Limits, opts ...Option) (*Engine, error) {
	if cfg.PythonCmd == "" {
		cfg.PythonCmd = DefaultPythonCmd
	}
	argv, err := shlex.Split(cfg.PythonCmd)
	if err != nil {
		return nil, fmt.Errorf("parse python command: %w", err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("python command is empty")
	}
	if limits.TimeoutS <= 0 || limits.MaxStdBytes <= 0 || limits.MaxCodeBytes <= 0 {
		return nil, fmt.Errorf("run limits must be positive: %+v", limits)
	}
	e := &Engine{
		cfg:       cfg,
		limits:    limits,
		argv:      argv,
		collector: artifact.NewCollector(limits.MaxFileBytes, limits.CSVPreviewRows),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Limits returns the run limits the engine enforces.
func (e *Engine) Limits() Limits {
	return e.limits
}

// Collector returns the artifact collector used after each run.
func (e *Engine) Collector() *artifact.Collector {
	return e.collector
}

// Run executes req to completion. When the program asks for input and
// req.Stdin is nil, the run stops with status input_required.
func (e *Engine) Run(ctx context.Context, req Request, ws Workspace) (Result, error) {
	p, err := e.start(ctx, req, ws, nil, false)
	if err != nil {
		return Result{}, err
	}
	if req.Stdin != nil {
		go p.feed(req.Stdin)
	}
	return p.Wait(), nil
}

// Start launches req and returns the live process. Output chunks and input
// prompts are reported to sink; the wall clock pauses while input is awaited.
func (e *Engine) Start(ctx context.Context, req Request, ws Workspace, sink Sink) (*Process, error) {
	return e.start(ctx, req, ws, sink, true)
}

func (e *Engine) start(ctx context.Context, req Request, ws Workspace, sink Sink, interactive bool) (*Process, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	ctx = contextkey.With(ctx, contextkey.RunID, req.RunID)
	if req.SessionID != "" {
		ctx = contextkey.With(ctx, contextkey.SessionID, req.SessionID)
	}

	if len(req.Code) > e.limits.MaxCodeBytes {
		msg := fmt.Sprintf("code is %d bytes, the limit is %d bytes", len(req.Code), e.limits.MaxCodeBytes)
		logger.Info(ctx, "run rejected", zap.String("reason", msg))
		return finishedProcess(rejected(req.RunID, errors.PayloadTooLarge.Kind(), msg)), nil
	}
	policy := sandbox.NewPolicy(ws.Dir, ws.NetOutbound, ws.NetAllowlist, e.limits.MaxFileBytes)
	if err := policy.CheckImports(req.Code); err != nil {
		logger.Info(ctx, "run rejected by import guard", zap.Error(err))
		return finishedProcess(rejected(req.RunID, errors.KindOf(err), err.Error())), nil
	}
	if !platformSupported {
		return nil, errors.New(errors.ServiceUnavailable).WithMessage("execution engine is only supported on linux")
	}

	runDir := filepath.Join(ws.RunsDir, req.RunID)
	tmpDir := filepath.Join(runDir, "tmp")
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return nil, errors.Wrapf(err, errors.InternalServerError, "create run dir")
	}
	mainPath := filepath.Join(runDir, mainFileName)
	if err := os.WriteFile(mainPath, []byte(req.Code), 0o644); err != nil {
		_ = os.RemoveAll(runDir)
		return nil, errors.Wrapf(err, errors.InternalServerError, "write cell source")
	}
	bp := policy.ForBootstrap(tmpDir, ws.StatePath)
	bp.StdinTimeoutSec = e.limits.StdinTimeoutSec
	scriptPath, policyPath, err := sandbox.WriteBootstrap(runDir, bp)
	if err != nil {
		_ = os.RemoveAll(runDir)
		return nil, errors.Wrap(err, errors.InternalServerError)
	}

	argv := make([]string, 0, len(e.argv)+3)
	argv = append(argv, e.argv...)
	argv = append(argv, scriptPath, policyPath, mainPath)

	p := newProcess(ctx, e, req, ws, policy, runDir, sink, interactive)
	if err := p.launch(argv, buildEnv(ws.Dir, tmpDir)); err != nil {
		_ = os.RemoveAll(runDir)
		return nil, errors.Wrapf(err, errors.InternalServerError, "launch interpreter")
	}
	logger.Debug(ctx, "run started", zap.Strings("argv", argv), zap.Bool("interactive", interactive))
	return p, nil
}

// finish attaches workspace artifacts and the error output to res.
func (e *Engine) finish(ctx context.Context, res *Result, workspace string) {
	outputs, files := e.collector.Collect(ctx, workspace, res.Stdout)
	if res.Error != nil {
		outputs = append(outputs, artifact.ErrorOutput(*res.Error))
	}
	if outputs == nil {
		outputs = []artifact.Output{}
	}
	res.Outputs = outputs
	res.Artifacts = files
}

func buildEnv(workspace, tmpDir string) []string {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	return []string{
		"PYTHONUNBUFFERED=1",
		"PYTHONDONTWRITEBYTECODE=1",
		"PYTHONIOENCODING=utf-8",
		"LC_ALL=C.UTF-8",
		"LANG=C.UTF-8",
		"PATH=" + path,
		"HOME=" + workspace,
		"MPLBACKEND=Agg",
		"TMPDIR=" + tmpDir,
		"MPLCONFIGDIR=" + tmpDir,
	}
}
