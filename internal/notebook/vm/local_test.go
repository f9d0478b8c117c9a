package vm_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"booml/internal/notebook/vm"
)

func newLocal(t *testing.T) (*vm.LocalBackend, vm.Config) {
	t.Helper()
	cfg := vm.DefaultConfig(t.TempDir())
	cfg.Backend = vm.BackendLocal
	b, err := vm.NewLocalBackend(cfg)
	if err != nil {
		t.Fatalf("new local backend: %v", err)
	}
	return b, cfg
}

func TestLocalEnsureCreatesLayout(t *testing.T) {
	b, cfg := newLocal(t)
	ctx := context.Background()

	h, err := b.Ensure(ctx, "nb/1", vm.Overrides{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if h.ID != "runner-nb_1" || h.State != vm.StateRunning || h.Backend != vm.BackendLocal {
		t.Fatalf("unexpected handle: %+v", h)
	}
	dir := filepath.Join(cfg.Root, "runner-nb_1")
	if info, err := os.Stat(filepath.Join(dir, "workspace")); err != nil || !info.IsDir() {
		t.Fatalf("workspace missing: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "metadata.json"))
	if err != nil {
		t.Fatalf("metadata missing: %v", err)
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		t.Fatalf("metadata is not json: %v", err)
	}
	if meta["state"] != "running" || meta["session_id"] != "nb/1" {
		t.Fatalf("unexpected metadata: %v", meta)
	}

	again, err := b.Ensure(ctx, "nb/1", vm.Overrides{})
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if again.WorkspacePath != h.WorkspacePath || !again.CreatedAt.Equal(h.CreatedAt) {
		t.Fatalf("ensure should be idempotent: %+v vs %+v", again, h)
	}
	state, err := b.Status(ctx, "nb/1")
	if err != nil || state != vm.StateRunning {
		t.Fatalf("unexpected status %s err=%v", state, err)
	}
}

func TestLocalEnsureCleansStaleDirectory(t *testing.T) {
	b, cfg := newLocal(t)
	stale := filepath.Join(cfg.Root, "runner-s1", "workspace")
	if err := os.MkdirAll(stale, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(stale, "leftover.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := b.Ensure(context.Background(), "s1", vm.Overrides{})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := os.Stat(filepath.Join(h.WorkspacePath, "leftover.txt")); !os.IsNotExist(err) {
		t.Fatalf("stale workspace content should be removed, stat err=%v", err)
	}
}

func TestLocalDestroyIsIdempotent(t *testing.T) {
	b, cfg := newLocal(t)
	ctx := context.Background()
	if _, err := b.Ensure(ctx, "gone", vm.Overrides{}); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := b.Destroy(ctx, "gone"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if err := b.Destroy(ctx, "gone"); err != nil {
		t.Fatalf("second destroy should be a no-op: %v", err)
	}
	entries, err := os.ReadDir(cfg.Root)
	if err != nil {
		t.Fatalf("read root: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty vm root, found %d entries", len(entries))
	}
	state, err := b.Status(ctx, "gone")
	if err != nil || state != vm.StateDestroyed {
		t.Fatalf("unexpected status %s err=%v", state, err)
	}
}

func TestLocalEnsureAppliesOverrides(t *testing.T) {
	b, _ := newLocal(t)
	cpu := 1
	h, err := b.Ensure(context.Background(), "ov", vm.Overrides{CPU: &cpu}.WithAllowlist([]string{"example.com"}))
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if h.Spec.CPU != 1 || len(h.Spec.NetAllowlist) != 1 || h.Spec.RAMMB != 2048 {
		t.Fatalf("unexpected spec: %+v", h.Spec)
	}
}
