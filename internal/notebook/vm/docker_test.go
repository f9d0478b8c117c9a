package vm

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

type fakeDockerClient struct {
	mu         sync.Mutex
	images     map[string]bool
	pulls      []string
	creates    []createCall
	starts     []string
	removes    []string
	containers map[string]*types.ContainerState
	closed     bool
}

type createCall struct {
	name       string
	config     *container.Config
	hostConfig *container.HostConfig
}

func newFakeDockerClient() *fakeDockerClient {
	return &fakeDockerClient{
		images:     make(map[string]bool),
		containers: make(map[string]*types.ContainerState),
	}
}

func (f *fakeDockerClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeDockerClient) Ping(ctx context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.45"}, nil
}

func (f *fakeDockerClient) ImageInspectWithRaw(ctx context.Context, ref string) (types.ImageInspect, []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.images[ref] {
		return types.ImageInspect{}, nil, errdefs.NotFound(errors.New("no such image"))
	}
	return types.ImageInspect{ID: ref}, nil, nil
}

func (f *fakeDockerClient) ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error) {
	f.mu.Lock()
	f.pulls = append(f.pulls, ref)
	f.images[ref] = true
	f.mu.Unlock()
	return io.NopCloser(bytes.NewReader([]byte(`{"status":"done"}`))), nil
}

func (f *fakeDockerClient) ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.containers[containerName]; exists {
		return container.CreateResponse{}, errdefs.Conflict(errors.New("name in use"))
	}
	f.creates = append(f.creates, createCall{name: containerName, config: config, hostConfig: hostConfig})
	f.containers[containerName] = &types.ContainerState{Status: "created"}
	return container.CreateResponse{ID: containerName}, nil
}

func (f *fakeDockerClient) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.containers[id]
	if !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	f.starts = append(f.starts, id)
	state.Running = true
	state.Status = "running"
	return nil
}

func (f *fakeDockerClient) ContainerInspect(ctx context.Context, id string) (types.ContainerJSON, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.containers[id]
	if !ok {
		return types.ContainerJSON{}, errdefs.NotFound(errors.New("no such container"))
	}
	copied := *state
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: id, Name: "/" + id, State: &copied}}, nil
}

func (f *fakeDockerClient) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removes = append(f.removes, id)
	if _, ok := f.containers[id]; !ok {
		return errdefs.NotFound(errors.New("no such container"))
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeDockerClient) stop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if state, ok := f.containers[id]; ok {
		state.Running = false
		state.Status = "exited"
	}
}

func okProbe(ctx context.Context, socketPath string) error { return nil }

func newTestDockerBackend(t *testing.T, cli *fakeDockerClient, mutate func(*Config)) *DockerBackend {
	t.Helper()
	cfg := DefaultConfig(t.TempDir())
	cfg.Backend = BackendDocker
	if mutate != nil {
		mutate(&cfg)
	}
	b, err := newDockerBackend(cfg, cli, okProbe)
	if err != nil {
		t.Fatalf("new docker backend: %v", err)
	}
	return b
}

func TestDockerEnsureCreatesContainer(t *testing.T) {
	cli := newFakeDockerClient()
	b := newTestDockerBackend(t, cli, func(c *Config) {
		c.HostRoot = "/host/vms"
		c.DiskQuota = true
		c.AgentBinary = "/opt/vm-agent"
	})

	h, err := b.Ensure(context.Background(), "sess 1", Overrides{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if h.ID != "runner-sess_1" || h.State != StateRunning || h.Backend != BackendDocker {
		t.Fatalf("unexpected handle: %+v", h)
	}
	if len(cli.pulls) != 1 || cli.pulls[0] != "runner-vm:latest" {
		t.Fatalf("expected image pull, got %v", cli.pulls)
	}
	if len(cli.creates) != 1 {
		t.Fatalf("expected one create call, got %d", len(cli.creates))
	}
	call := cli.creates[0]
	hc := call.hostConfig
	if hc.NetworkMode != "none" {
		t.Fatalf("deny mode should disable networking, got %q", hc.NetworkMode)
	}
	if hc.Resources.NanoCPUs != 2_000_000_000 || hc.Resources.Memory != 2048<<20 {
		t.Fatalf("unexpected resources: %+v", hc.Resources)
	}
	if hc.Resources.PidsLimit == nil || *hc.Resources.PidsLimit != containerPidsLimit {
		t.Fatalf("pids limit not set")
	}
	if hc.StorageOpt["size"] != "16G" {
		t.Fatalf("expected storage quota, got %v", hc.StorageOpt)
	}
	if len(hc.Mounts) != 3 {
		t.Fatalf("expected vm, workspace and agent mounts, got %d", len(hc.Mounts))
	}
	if hc.Mounts[0].Source != "/host/vms/runner-sess_1" || hc.Mounts[0].Target != containerVMDir {
		t.Fatalf("vm dir should be mapped to host root: %+v", hc.Mounts[0])
	}
	if call.config.Labels["booml.session"] != "sess 1" {
		t.Fatalf("missing session label: %v", call.config.Labels)
	}
	if call.config.Cmd[0] != "vm-agent" {
		t.Fatalf("unexpected command: %v", call.config.Cmd)
	}

	state, err := b.Status(context.Background(), "sess 1")
	if err != nil || state != StateRunning {
		t.Fatalf("unexpected status %s err=%v", state, err)
	}
}

func TestDockerEnsureReusesAndRestarts(t *testing.T) {
	cli := newFakeDockerClient()
	b := newTestDockerBackend(t, cli, nil)
	ctx := context.Background()

	if _, err := b.Ensure(ctx, "s", Overrides{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cli.stop("runner-s")
	if state, _ := b.Status(ctx, "s"); state != StateStopped {
		t.Fatalf("expected stopped, got %s", state)
	}

	h, err := b.Ensure(ctx, "s", Overrides{})
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(cli.creates) != 1 {
		t.Fatalf("container should be reused, got %d creates", len(cli.creates))
	}
	if len(cli.starts) != 2 {
		t.Fatalf("stopped container should be restarted, starts=%v", cli.starts)
	}
	if h.CurrentState() != StateRunning {
		t.Fatalf("unexpected state %s", h.CurrentState())
	}
}

func TestDockerEnsureRecreatesWhenContainerVanished(t *testing.T) {
	cli := newFakeDockerClient()
	b := newTestDockerBackend(t, cli, nil)
	ctx := context.Background()

	if _, err := b.Ensure(ctx, "s", Overrides{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cli.mu.Lock()
	delete(cli.containers, "runner-s")
	cli.mu.Unlock()

	if _, err := b.Ensure(ctx, "s", Overrides{}); err != nil {
		t.Fatalf("ensure after loss: %v", err)
	}
	if len(cli.creates) != 2 {
		t.Fatalf("expected container to be recreated, got %d creates", len(cli.creates))
	}
}

func TestDockerAllowModeUsesBridge(t *testing.T) {
	cli := newFakeDockerClient()
	cli.images["runner-vm:latest"] = true
	b := newTestDockerBackend(t, cli, nil)
	allow := "allow"

	if _, err := b.Ensure(context.Background(), "net", Overrides{NetOutbound: &allow}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(cli.pulls) != 0 {
		t.Fatalf("present image should not be pulled")
	}
	if cli.creates[0].hostConfig.NetworkMode != "bridge" {
		t.Fatalf("allow mode should use bridge networking")
	}
}

func TestDockerAgentProbeFailure(t *testing.T) {
	cli := newFakeDockerClient()
	cfg := DefaultConfig(t.TempDir())
	b, err := newDockerBackend(cfg, cli, func(ctx context.Context, socketPath string) error {
		return errors.New("connection refused")
	})
	if err != nil {
		t.Fatalf("new docker backend: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Ensure(ctx, "dead", Overrides{}); err == nil {
		t.Fatalf("expected agent readiness failure")
	}
	cli.mu.Lock()
	remaining := len(cli.containers)
	cli.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("failed container should be removed, %d remain", remaining)
	}
}

func TestDockerDestroy(t *testing.T) {
	cli := newFakeDockerClient()
	b := newTestDockerBackend(t, cli, nil)
	ctx := context.Background()
	if _, err := b.Ensure(ctx, "d", Overrides{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := b.Destroy(ctx, "d"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := b.Destroy(ctx, "d"); err != nil {
		t.Fatalf("destroy should be idempotent: %v", err)
	}
	if state, _ := b.Status(ctx, "d"); state != StateDestroyed {
		t.Fatalf("expected destroyed, got %s", state)
	}
}

func TestNewBackendSelection(t *testing.T) {
	prev := dockerAvailable
	dockerAvailable = func() bool { return false }
	defer func() { dockerAvailable = prev }()

	cfg := DefaultConfig(t.TempDir())
	b, err := NewBackend(context.Background(), cfg, okProbe)
	if err != nil {
		t.Fatalf("auto backend: %v", err)
	}
	if b.Name() != BackendLocal {
		t.Fatalf("auto without docker should fall back to local, got %s", b.Name())
	}

	cfg.Backend = "firecracker"
	if _, err := NewBackend(context.Background(), cfg, okProbe); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

type fakeRelay struct {
	mu       sync.Mutex
	attached []string
	detached []string
	fail     error
}

func (r *fakeRelay) Attach(ctx context.Context, h *Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.attached = append(r.attached, h.RelaySocket())
	return nil
}

func (r *fakeRelay) Detach(vmID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.detached = append(r.detached, vmID)
}

func TestDockerAttachesHostRelay(t *testing.T) {
	cli := newFakeDockerClient()
	relay := &fakeRelay{}
	cfg := DefaultConfig(t.TempDir())
	b, err := newDockerBackend(cfg, cli, okProbe, WithHostRelay(relay))
	if err != nil {
		t.Fatalf("new docker backend: %v", err)
	}
	ctx := context.Background()

	h, err := b.Ensure(ctx, "r", Overrides{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if len(relay.attached) != 1 || relay.attached[0] != h.RelaySocket() {
		t.Fatalf("expected relay attached at %s, got %v", h.RelaySocket(), relay.attached)
	}
	// a restarted container gets its relay back
	cli.stop("runner-r")
	if _, err := b.Ensure(ctx, "r", Overrides{}); err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if len(relay.attached) != 2 {
		t.Fatalf("expected relay reattached on reuse, got %v", relay.attached)
	}
	if err := b.Destroy(ctx, "r"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if len(relay.detached) == 0 || relay.detached[len(relay.detached)-1] != "runner-r" {
		t.Fatalf("expected relay detached, got %v", relay.detached)
	}
}

func TestDockerRelayFailureRemovesContainer(t *testing.T) {
	cli := newFakeDockerClient()
	relay := &fakeRelay{fail: errors.New("address in use")}
	cfg := DefaultConfig(t.TempDir())
	b, err := newDockerBackend(cfg, cli, okProbe, WithHostRelay(relay))
	if err != nil {
		t.Fatalf("new docker backend: %v", err)
	}
	if _, err := b.Ensure(context.Background(), "r", Overrides{}); err == nil {
		t.Fatalf("expected ensure to fail when the relay cannot attach")
	}
	cli.mu.Lock()
	remaining := len(cli.containers)
	cli.mu.Unlock()
	if remaining != 0 {
		t.Fatalf("container should be removed, %d remain", remaining)
	}
}

func TestDockerAgentCommandNamesVMDir(t *testing.T) {
	cli := newFakeDockerClient()
	b := newTestDockerBackend(t, cli, nil)
	if _, err := b.Ensure(context.Background(), "c", Overrides{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	cmd := cli.creates[0].config.Cmd
	for i, arg := range cmd {
		if arg == "-vmdir" && i+1 < len(cmd) && cmd[i+1] == containerVMDir {
			return
		}
	}
	t.Fatalf("agent command should pass the vm dir: %v", cmd)
}
