package agent_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"booml/internal/notebook/agent"
	"booml/internal/notebook/engine"
	"booml/internal/notebook/vm"
	"booml/pkg/errors"
)

func newRelayHandle(t *testing.T, allowlist []string) *vm.Handle {
	t.Helper()
	root, err := os.MkdirTemp("", "relay")
	if err != nil {
		t.Fatalf("mkdtemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(root) })
	h := &vm.Handle{
		ID:            "runner-relay",
		SessionID:     "relay",
		Dir:           filepath.Join(root, "vm"),
		WorkspacePath: filepath.Join(root, "workspace"),
		Spec:          vm.Spec{NetOutbound: "deny", NetAllowlist: allowlist},
	}
	for _, dir := range []string{h.Dir, h.WorkspacePath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
	}
	return h
}

func newDataServer(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("id,y\n1,2\n"))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return srv, u.Hostname()
}

func attachRelay(t *testing.T, h *vm.Handle) *agent.Relay {
	t.Helper()
	relay := agent.NewRelay(nil, 1<<20)
	if err := relay.Attach(context.Background(), h); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	t.Cleanup(relay.Close)
	return relay
}

func TestRelayDownloadsIntoHostWorkspace(t *testing.T) {
	srv, host := newDataServer(t)
	h := newRelayHandle(t, []string{host})
	attachRelay(t, h)

	client := agent.NewRelayClient(h.RelaySocket())
	name, err := client.Download(context.Background(), srv.URL+"/data/train.csv", "")
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	if name != "train.csv" {
		t.Fatalf("unexpected name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(h.WorkspacePath, name))
	if err != nil || string(data) != "id,y\n1,2\n" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
}

func TestRelayKeepsViolationKind(t *testing.T) {
	srv, _ := newDataServer(t)
	h := newRelayHandle(t, []string{"example.com"})
	attachRelay(t, h)

	client := agent.NewRelayClient(h.RelaySocket())
	_, err := client.Download(context.Background(), srv.URL+"/a.csv", "")
	if !errors.Is(err, errors.SandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
	if _, err := client.Download(context.Background(), srv.URL+"/run.sh", "run.sh"); errors.KindOf(err) != errors.SandboxViolation.Kind() {
		t.Fatalf("expected violation kind, got %v", err)
	}
}

func TestRelayDetachStopsServing(t *testing.T) {
	srv, host := newDataServer(t)
	h := newRelayHandle(t, []string{host})
	relay := attachRelay(t, h)
	relay.Detach(h.ID)

	_, err := agent.NewRelayClient(h.RelaySocket()).Download(context.Background(), srv.URL+"/a.csv", "")
	if !errors.Is(err, errors.ServiceUnavailable) {
		t.Fatalf("expected unavailable after detach, got %v", err)
	}
	// detaching twice is harmless
	relay.Detach(h.ID)
}

func TestEngineForwardsDownloadThroughRelay(t *testing.T) {
	requirePython(t)
	srv, host := newDataServer(t)
	h := newRelayHandle(t, []string{host})
	attachRelay(t, h)

	limits := engine.DefaultLimits()
	limits.AddressSpaceBytes = 0
	client := agent.NewRelayClient(h.RelaySocket())
	eng, err := engine.New(engine.Config{}, limits, engine.WithDownloadFunc(client.Download))
	if err != nil {
		t.Fatalf("engine.New failed: %v", err)
	}
	// the VM itself has no network and no allowlist: only the host may fetch
	ws := engine.Workspace{
		Dir:         h.WorkspacePath,
		RunsDir:     h.RunsDir(),
		StatePath:   h.StatePath(),
		NetOutbound: "deny",
	}
	if err := os.MkdirAll(ws.RunsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	code := "name = download_file('" + srv.URL + "/files/data.csv')\nprint(name)\nprint(open(name).read().splitlines()[1])\n"
	res, err := eng.Run(context.Background(), engine.Request{RunID: "dl", Code: code}, ws)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Status != engine.StatusSuccess || res.Stdout != "data.csv\n1,2\n" {
		t.Fatalf("unexpected result %+v", res)
	}
}
