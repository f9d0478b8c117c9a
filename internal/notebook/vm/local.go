package vm

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	pkgerrors "booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// Backend provisions and tears down session VMs.
type Backend interface {
	Ensure(ctx context.Context, sessionID string, overrides Overrides) (*Handle, error)
	Destroy(ctx context.Context, sessionID string) error
	Status(ctx context.Context, sessionID string) (State, error)
	Name() string
}

// LocalBackend keeps VMs as plain directories on the host filesystem.
type LocalBackend struct {
	cfg Config
	now func() time.Time
}

// NewLocalBackend creates the local backend and its root directory.
func NewLocalBackend(cfg Config) (*LocalBackend, error) {
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create vm root: %w", err)
	}
	return &LocalBackend{cfg: cfg, now: time.Now}, nil
}

func (b *LocalBackend) Name() string { return BackendLocal }

// Ensure returns the running VM for sessionID, creating it when absent.
func (b *LocalBackend) Ensure(ctx context.Context, sessionID string, overrides Overrides) (*Handle, error) {
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
		if existing.CurrentState() == StateRunning {
			return existing, nil
		}
		if existing.Transition(StateRunning, b.now()) == nil {
			if err := writeMetadata(existing); err != nil {
				return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "restart vm %s", id)
			}
			return existing, nil
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "recreate vm %s", id)
		}
	}

	h, err := createLayout(b.cfg, id, sessionID, overrides.Apply(b.cfg.DefaultSpec()), BackendLocal, b.now())
	if err != nil {
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "create vm %s", id)
	}
	if err := h.Transition(StateRunning, b.now()); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.VMInitFailed)
	}
	if err := writeMetadata(h); err != nil {
		_ = os.RemoveAll(dir)
		return nil, pkgerrors.Wrapf(err, pkgerrors.VMInitFailed, "create vm %s", id)
	}
	logger.Info(ctx, "local vm created", zap.String("vm_id", id), zap.String("workspace", h.WorkspacePath))
	return h, nil
}

// Destroy removes the VM directory. Missing VMs are not an error.
func (b *LocalBackend) Destroy(ctx context.Context, sessionID string) error {
	id, err := ID(sessionID)
	if err != nil {
		return err
	}
	return removeDir(ctx, b.cfg.Root, id)
}

// Status reports the metadata state, or destroyed when the VM is gone.
func (b *LocalBackend) Status(ctx context.Context, sessionID string) (State, error) {
	id, err := ID(sessionID)
	if err != nil {
		return "", err
	}
	h, err := readMetadata(filepath.Join(b.cfg.Root, id))
	if errors.Is(err, errNoMetadata) {
		return StateDestroyed, nil
	}
	if err != nil {
		return "", pkgerrors.Wrap(err, pkgerrors.InternalServerError)
	}
	return h.State, nil
}

// loadExisting returns the handle stored in dir. A directory without
// metadata is stale and is removed; nil means nothing usable exists.
func loadExisting(ctx context.Context, dir string) (*Handle, error) {
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	h, err := readMetadata(dir)
	if errors.Is(err, errNoMetadata) {
		logger.Warn(ctx, "removing stale vm directory without metadata", zap.String("dir", dir))
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			return nil, rmErr
		}
		return nil, nil
	}
	return h, err
}

func createLayout(cfg Config, id, sessionID string, spec Spec, backend string, now time.Time) (*Handle, error) {
	dir := filepath.Join(cfg.Root, id)
	workspace := filepath.Join(dir, "workspace")
	for _, sub := range []string{workspace, filepath.Join(dir, "runs"), filepath.Join(dir, "state")} {
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return nil, err
		}
	}
	if real, err := filepath.EvalSymlinks(workspace); err == nil {
		workspace = real
	}
	return &Handle{
		ID:            id,
		SessionID:     sessionID,
		Spec:          spec,
		WorkspacePath: workspace,
		Dir:           dir,
		MetadataPath:  filepath.Join(dir, metadataFile),
		State:         StateCreated,
		Backend:       backend,
		BackendData:   map[string]string{},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// removeDir renames the VM directory to a tombstone, then deletes it, so a
// concurrent Ensure never observes a half-deleted workspace.
func removeDir(ctx context.Context, root, id string) error {
	dir := filepath.Join(root, id)
	tomb := filepath.Join(root, ".trash-"+id+"-"+strconv.FormatInt(time.Now().UnixNano(), 36))
	if err := os.Rename(dir, tomb); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return pkgerrors.Wrapf(err, pkgerrors.InternalServerError, "destroy vm %s", id)
	}
	if err := os.RemoveAll(tomb); err != nil {
		logger.Warn(ctx, "failed to remove vm tombstone", zap.String("path", tomb), zap.Error(err))
	}
	logger.Info(ctx, "vm destroyed", zap.String("vm_id", id))
	return nil
}
