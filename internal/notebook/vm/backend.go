package vm

import (
	"context"
	"os"
	"os/exec"

	pkgerrors "booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const dockerSocket = "/var/run/docker.sock"

// dockerAvailable reports whether a docker CLI or daemon socket is present.
var dockerAvailable = func() bool {
	if _, err := exec.LookPath("docker"); err == nil {
		return true
	}
	if _, err := os.Stat(dockerSocket); err == nil {
		return true
	}
	return false
}

// NewBackend builds the backend named by cfg.Backend. "auto" picks docker
// when it is available and falls back to local otherwise. opts apply to the
// docker backend only.
func NewBackend(ctx context.Context, cfg Config, probe AgentProbe, opts ...DockerOption) (Backend, error) {
	switch cfg.Backend {
	case BackendLocal:
		return NewLocalBackend(cfg)
	case BackendDocker:
		b, err := NewDockerBackend(ctx, cfg, probe, opts...)
		if err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.VMInitFailed)
		}
		return b, nil
	case BackendAuto, "":
		if dockerAvailable() {
			b, err := NewDockerBackend(ctx, cfg, probe, opts...)
			if err == nil {
				logger.Info(ctx, "vm backend selected", zap.String("backend", BackendDocker))
				return b, nil
			}
			logger.Warn(ctx, "docker detected but unusable, falling back to local vm backend", zap.Error(err))
		} else {
			logger.Warn(ctx, "docker not available, using local vm backend")
		}
		return NewLocalBackend(cfg)
	default:
		return nil, pkgerrors.Newf(pkgerrors.VMBackendInvalid, "unsupported VM backend %q", cfg.Backend)
	}
}
