package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"booml/internal/notebook/agent"
	"booml/internal/notebook/engine"
	"booml/internal/notebook/stream"
	"booml/internal/notebook/vm"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

func main() {
	socketPath := flag.String("socket", "/vm/"+vm.AgentSocketName, "unix socket to listen on")
	workspace := flag.String("workspace", "/workspace", "workspace directory")
	vmDirFlag := flag.String("vmdir", "", "vm directory holding metadata and the host relay socket (default: the socket's directory)")
	pythonCmd := flag.String("python", envOr("PYTHON_CMD", engine.DefaultPythonCmd), "interpreter command line")
	logLevel := flag.String("log-level", envOr("AGENT_LOG_LEVEL", "info"), "log level")
	flag.Parse()

	if err := logger.Init(logger.Config{Level: *logLevel, Format: "json", OutputPath: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "init logger failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limits, err := engine.LimitsFromEnv()
	if err != nil {
		logger.Error(ctx, "load run limits failed", zap.Error(err))
		os.Exit(1)
	}
	vmDir := *vmDirFlag
	if vmDir == "" {
		vmDir = filepath.Dir(*socketPath)
	}
	relay := agent.NewRelayClient(filepath.Join(vmDir, vm.RelaySocketName))
	eng, err := engine.New(engine.Config{
		PythonCmd:      *pythonCmd,
		HelperPath:     os.Getenv("SANDBOX_HELPER_PATH"),
		SeccompProfile: os.Getenv("SANDBOX_SECCOMP_PROFILE"),
		EnableSeccomp:  os.Getenv("SANDBOX_SECCOMP_PROFILE") != "",
	}, limits, engine.WithDownloadFunc(relay.Download))
	if err != nil {
		logger.Error(ctx, "init execution engine failed", zap.Error(err))
		os.Exit(1)
	}

	resolver := workspaceResolver(ctx, vmDir, *workspace)
	if err := os.MkdirAll(resolver().RunsDir, 0o755); err != nil {
		logger.Error(ctx, "create runs dir failed", zap.Error(err))
		os.Exit(1)
	}
	sessions := stream.NewSingleWorkspace(resolver)
	streams := stream.NewManager(eng, sessions)
	srv := agent.NewServer(eng, sessions, streams)
	go evictLoop(ctx, streams)

	if err := srv.ListenAndServe(ctx, *socketPath); err != nil {
		logger.Error(ctx, "vm agent stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info(ctx, "vm agent shut down")
}

// workspaceResolver reads the network policy from the VM metadata on every
// run; the host writes metadata only after the agent answers its first ping.
func workspaceResolver(ctx context.Context, vmDir, workspace string) func() engine.Workspace {
	return func() engine.Workspace {
		ws := engine.Workspace{
			Dir:         workspace,
			RunsDir:     filepath.Join(vmDir, "runs"),
			StatePath:   filepath.Join(vmDir, "state", "namespace.pkl"),
			NetOutbound: "deny",
		}
		h, err := vm.ReadHandle(vmDir)
		if err != nil {
			logger.Warn(ctx, "vm metadata unavailable, denying network", zap.Error(err))
			return ws
		}
		ws.NetOutbound = h.Spec.NetOutbound
		ws.NetAllowlist = h.Spec.NetAllowlist
		return ws
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
