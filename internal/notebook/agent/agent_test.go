package agent_test

import (
	"context"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"booml/internal/notebook/agent"
	"booml/internal/notebook/engine"
	"booml/internal/notebook/stream"
	"booml/pkg/errors"
)

func startServer(t *testing.T) (*agent.Client, engine.Workspace) {
	t.Helper()
	limits := engine.DefaultLimits()
	limits.AddressSpaceBytes = 0
	limits.MaxCodeBytes = 1000
	eng, err := engine.New(engine.Config{}, limits)
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	root, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	ws := engine.Workspace{
		Dir:         filepath.Join(root, "workspace"),
		RunsDir:     filepath.Join(root, "runs"),
		StatePath:   filepath.Join(root, "state", "namespace.pkl"),
		NetOutbound: "deny",
	}
	for _, dir := range []string{ws.Dir, ws.RunsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	sessions := stream.NewSingleWorkspace(func() engine.Workspace { return ws })
	srv := agent.NewServer(eng, sessions, stream.NewManager(eng, sessions))

	socket := filepath.Join(root, "agent.sock")
	ln, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Errorf("server did not stop")
		}
	})
	return agent.NewClient(socket), ws
}

func requirePython(t *testing.T) {
	t.Helper()
	if runtime.GOOS != "linux" {
		t.Skip("execution requires linux")
	}
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestPingAndProbe(t *testing.T) {
	client, _ := startServer(t)
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}
	if err := agent.Probe(context.Background(), filepath.Join(os.TempDir(), "missing-agent.sock")); !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected unavailable for missing socket, got %v", err)
	}
}

func TestErrorsKeepTheirKind(t *testing.T) {
	client, _ := startServer(t)
	_, err := client.Tail(context.Background(), "no-such-run", 0, 0)
	if errors.KindOf(err) != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
	if !errors.Is(err, errors.RunNotFound) {
		t.Fatalf("expected the exact code to survive the socket, got %d", errors.GetCode(err))
	}
	if err := client.SendStdin(context.Background(), "no-such-run", "x"); errors.KindOf(err) != "not_found" {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRunRejectedWithoutLaunch(t *testing.T) {
	client, _ := startServer(t)
	big := make([]byte, 2000)
	for i := range big {
		big[i] = 'x'
	}
	res, err := client.Run(context.Background(), "r1", string(big))
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != engine.StatusError || res.Error == nil || res.Error.Code != "payload_too_large" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestRunThroughAgent(t *testing.T) {
	requirePython(t)
	client, _ := startServer(t)
	res, err := client.Run(context.Background(), "r2", "print(6 * 7)\n")
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != engine.StatusSuccess || res.Stdout != "42\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestStreamingThroughAgent(t *testing.T) {
	requirePython(t)
	client, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	snap, err := client.Start(ctx, "c1", "name = input('who? ')\nprint('hi ' + name)\n")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if snap.Status != stream.StatusRunning || snap.StatusSeq != 1 {
		t.Fatalf("unexpected start snapshot %+v", snap)
	}
	waiting, err := client.WaitForStatus(ctx, snap.RunID, &snap.StatusSeq)
	if err != nil {
		t.Fatalf("WaitForStatus failed: %v", err)
	}
	if waiting.Status != stream.StatusInputRequired || waiting.Prompt != "who? " {
		t.Fatalf("unexpected snapshot %+v", waiting)
	}
	if err := client.SendStdin(ctx, snap.RunID, "ada"); err != nil {
		t.Fatalf("SendStdin failed: %v", err)
	}
	res, err := client.Finalize(ctx, snap.RunID)
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if res.Status != engine.StatusSuccess {
		t.Fatalf("unexpected result %+v", res)
	}
	tail, err := client.Tail(ctx, snap.RunID, 0, 0)
	if err != nil {
		t.Fatalf("Tail failed: %v", err)
	}
	if tail.Stdout != "who? ada\nhi ada\n" {
		t.Fatalf("unexpected stdout %q", tail.Stdout)
	}
}
