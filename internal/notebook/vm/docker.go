package vm

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	pkgerrors "booml/pkg/errors"
	"booml/pkg/utils/logger"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

const (
	containerPidsLimit   int64 = 512
	agentReadyTimeout          = 20 * time.Second
	agentProbeInterval         = 100 * time.Millisecond
	containerVMDir             = "/vm"
	containerWorkspace         = "/workspace"
	containerAgentBinary       = "/usr/local/bin/vm-agent"
)

type dockerClient interface {
	Close() error
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, opts image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// AgentProbe checks that the VM agent listening on socketPath answers.
type AgentProbe func(ctx context.Context, socketPath string) error

// HostRelay serves host-side requests for a VM whose network is cut off,
// such as downloads admitted by the allowlist.
type HostRelay interface {
	Attach(ctx context.Context, h *Handle) error
	Detach(vmID string)
}

// DockerOption configures a DockerBackend.
type DockerOption func(*DockerBackend)

// WithHostRelay attaches relay to every container the backend runs.
func WithHostRelay(relay HostRelay) DockerOption {
	return func(b *DockerBackend) {
		b.relay = relay
	}
}

// DockerBackend runs each session VM as a long-lived container with the
// VM directory and workspace bind-mounted.
type DockerBackend struct {
	cfg   Config
	cli   dockerClient
	probe AgentProbe
	relay HostRelay
	now   func() time.Time
}

// NewDockerBackend connects to the docker daemon from the environment.
func NewDockerBackend(ctx context.Context, cfg Config, probe AgentProbe, opts ...DockerOption) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("ping docker daemon: %w", err)
	}
	return newDockerBackend(cfg, cli, probe, opts...)
}

func newDockerBackend(cfg Config, cli dockerClient, probe AgentProbe, opts ...DockerOption) (*DockerBackend, error) {
	if cli == nil {
		return nil, fmt.Errorf("docker client is required")
	}
	if probe == nil {
		return nil, fmt.Errorf("agent probe is required")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create vm root: %w", err)
	}
	b := &DockerBackend{cfg: cfg, cli: cli, probe: probe, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *DockerBackend) Name() string { return BackendDocker }

// Close releases the docker client.
func (b *DockerBackend) Close() error {
	return b.cli.Close()
}

// Ensure creates or reuses the container runner-<sanitized> and waits for its agent.
func (b *DockerBackend) Ensure(ctx context.Context, sessionID string, overrides Overrides) (*Handle, error) {
	id, err := ID(sessionID)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(b.cfg.Root, id)

	existing, err := loadExisting(ctx, dir)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "inspect vm %s", id)
	}
	if existing != nil {
		h, err := b.reuse(ctx, existing)
		if err == nil {
			return h, nil
		}
		logger.Warn(ctx, "recreating docker vm", zap.String("vm_id", id), zap.Error(err))
		b.removeContainer(ctx, id)
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return nil, pkgerrors.Wrapf(rmErr, pkgerrors.VMInitFailed, "recreate vm %s", id)
		}
	} else {
		// A container may survive its directory; never reuse it blindly.
		b.removeContainer(ctx, id)
	}

	spec := overrides.Apply(b.cfg.DefaultSpec())
	h, err := createLayout(b.cfg, id, sessionID, spec, BackendDocker, b.now())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "create vm %s", id)
	}
	if err := b.startContainer(ctx, h); err != nil {
		b.removeContainer(ctx, id)
		_ = os.RemoveAll(dir)
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "start vm %s", id)
	}
	h.BackendData["container"] = id
	if err := b.attachRelay(ctx, h); err != nil {
		b.removeContainer(ctx, id)
		_ = os.RemoveAll(dir)
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "start vm %s", id)
	}
	if err := h.Transition(StateRunning, b.now()); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.VMInitFailed)
	}
	if err := writeMetadata(h); err != nil {
		b.detachRelay(id)
		b.removeContainer(ctx, id)
		_ = os.RemoveAll(dir)
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "create vm %s", id)
	}
	logger.Info(ctx, "docker vm created",
		zap.String("vm_id", id),
		zap.String("image", spec.Image),
		zap.Int("cpu", spec.CPU),
		zap.Int("ram_mb", spec.RAMMB),
	)
	return h, nil
}

func (b *DockerBackend) reuse(ctx context.Context, h *Handle) (*Handle, error) {
	name := h.BackendData["container"]
	if name == "" {
		name = h.ID
	}
	info, err := b.cli.ContainerInspect(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		if err := b.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return nil, fmt.Errorf("restart container: %w", err)
		}
		if h.CurrentState() == StateRunning {
			_ = h.Transition(StateStopped, b.now())
		}
	}
	if err := b.waitForAgent(ctx, h.AgentSocket()); err != nil {
		return nil, err
	}
	if err := b.attachRelay(ctx, h); err != nil {
		return nil, err
	}
	if h.CurrentState() != StateRunning {
		if err := h.Transition(StateRunning, b.now()); err != nil {
			return nil, err
		}
		if err := writeMetadata(h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

func (b *DockerBackend) startContainer(ctx context.Context, h *Handle) error {
	if err := b.ensureImage(ctx, h.Spec.Image); err != nil {
		return err
	}

	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs:  int64(h.Spec.CPU) * 1_000_000_000,
			PidsLimit: ptr(containerPidsLimit),
		},
		Mounts: []mount.Mount{
			{Type: mount.TypeBind, Source: b.hostPath(h.Dir), Target: containerVMDir},
			{Type: mount.TypeBind, Source: b.hostPath(h.WorkspacePath), Target: containerWorkspace},
		},
		NetworkMode: networkMode(h.Spec.NetOutbound),
	}
	if h.Spec.RAMMB > 0 {
		hostConfig.Resources.Memory = int64(h.Spec.RAMMB) << 20
		hostConfig.Resources.MemorySwap = hostConfig.Resources.Memory
	}
	if b.cfg.DiskQuota && h.Spec.DiskGB > 0 {
		hostConfig.StorageOpt = map[string]string{"size": fmt.Sprintf("%dG", h.Spec.DiskGB)}
	}
	if b.cfg.AgentBinary != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type: mount.TypeBind, Source: b.cfg.AgentBinary, Target: containerAgentBinary, ReadOnly: true,
		})
	}

	resp, err := b.cli.ContainerCreate(ctx, &container.Config{
		Image:      h.Spec.Image,
		Hostname:   h.ID,
		WorkingDir: containerWorkspace,
		Cmd: []string{
			"vm-agent",
			"-socket", containerVMDir + "/" + AgentSocketName,
			"-workspace", containerWorkspace,
			"-vmdir", containerVMDir,
		},
		Labels: map[string]string{"booml.session": h.SessionID},
	}, hostConfig, nil, nil, h.ID)
	if err != nil {
		return fmt.Errorf("create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container: %w", err)
	}
	return b.waitForAgent(ctx, h.AgentSocket())
}

func (b *DockerBackend) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := b.cli.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	} else if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect image %s: %w", ref, err)
	}
	reader, err := b.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("consume pull output for %s: %w", ref, err)
	}
	return nil
}

func (b *DockerBackend) waitForAgent(ctx context.Context, socketPath string) error {
	ctx, cancel := context.WithTimeout(ctx, agentReadyTimeout)
	defer cancel()
	ticker := time.NewTicker(agentProbeInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		if lastErr = b.probe(ctx, socketPath); lastErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("vm agent did not become ready: %w", lastErr)
		case <-ticker.C:
		}
	}
}

// Destroy force-removes the container and the VM directory.
func (b *DockerBackend) Destroy(ctx context.Context, sessionID string) error {
	id, err := ID(sessionID)
	if err != nil {
		return err
	}
	b.detachRelay(id)
	b.removeContainer(ctx, id)
	return removeDir(ctx, b.cfg.Root, id)
}

func (b *DockerBackend) attachRelay(ctx context.Context, h *Handle) error {
	if b.relay == nil {
		return nil
	}
	if err := b.relay.Attach(ctx, h); err != nil {
		return fmt.Errorf("attach host relay: %w", err)
	}
	return nil
}

func (b *DockerBackend) detachRelay(id string) {
	if b.relay != nil {
		b.relay.Detach(id)
	}
}

func (b *DockerBackend) removeContainer(ctx context.Context, name string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	err := b.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		logger.Warn(ctx, "failed to remove container", zap.String("container", name), zap.Error(err))
	}
}

// Status maps the container state onto the VM lifecycle.
func (b *DockerBackend) Status(ctx context.Context, sessionID string) (State, error) {
	id, err := ID(sessionID)
	if err != nil {
		return "", err
	}
	info, err := b.cli.ContainerInspect(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return StateDestroyed, nil
		}
		return "", pkgerrors.Wrap(err, pkgerrors.InternalServerError)
	}
	switch {
	case info.State == nil:
		return StateCreated, nil
	case info.State.Running:
		return StateRunning, nil
	case info.State.Status == "created":
		return StateCreated, nil
	default:
		return StateStopped, nil
	}
}

// hostPath maps a path under the VM root to the daemon's view when the
// service itself runs inside a container (VM_HOST_ROOT).
func (b *DockerBackend) hostPath(path string) string {
	if b.cfg.HostRoot == "" {
		return path
	}
	rel, err := filepath.Rel(b.cfg.Root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return filepath.Join(b.cfg.HostRoot, rel)
}

func networkMode(outbound string) container.NetworkMode {
	if outbound == "allow" {
		return container.NetworkMode("bridge")
	}
	return container.NetworkMode("none")
}

func ptr[T any](v T) *T { return &v }
