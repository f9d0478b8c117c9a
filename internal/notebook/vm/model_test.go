package vm_test

import (
	"reflect"
	"testing"
	"time"

	"booml/internal/notebook/vm"
	pkgerrors "booml/pkg/errors"
)

func TestSanitizeAndID(t *testing.T) {
	if got := vm.Sanitize("nb 1/../x.y"); got != "nb_1____x_y" {
		t.Fatalf("unexpected sanitized id: %q", got)
	}
	id, err := vm.ID("abc-1_2")
	if err != nil || id != "runner-abc-1_2" {
		t.Fatalf("unexpected id %q err=%v", id, err)
	}
	if _, err := vm.ID(""); !pkgerrors.Is(err, pkgerrors.ValidationFailed) {
		t.Fatalf("expected validation error for empty id, got %v", err)
	}
}

func TestOverridesFromMap(t *testing.T) {
	base := vm.Spec{Image: "img", CPU: 2, RAMMB: 2048, DiskGB: 16, TTLSec: 900, NetOutbound: "deny", NetAllowlist: []string{"a.com"}}

	o, err := vm.OverridesFromMap(map[string]any{
		"cpu":           float64(4),
		"ram_mb":        "512",
		"net_allowlist": " x.org , ,y.org",
		"image":         "",
		"unknown":       true,
	})
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	got := o.Apply(base)
	if got.CPU != 4 || got.RAMMB != 512 || got.Image != "img" {
		t.Fatalf("unexpected spec: %+v", got)
	}
	if !reflect.DeepEqual(got.NetAllowlist, []string{"x.org", "y.org"}) {
		t.Fatalf("unexpected allowlist: %v", got.NetAllowlist)
	}
	if !reflect.DeepEqual(base.NetAllowlist, []string{"a.com"}) {
		t.Fatalf("apply must not mutate the base spec")
	}

	o, err = vm.OverridesFromMap(map[string]any{"net_allowlist": []any{}})
	if err != nil {
		t.Fatalf("overrides: %v", err)
	}
	if got := o.Apply(base); len(got.NetAllowlist) != 0 {
		t.Fatalf("explicit empty allowlist should clear it: %v", got.NetAllowlist)
	}

	if _, err := vm.OverridesFromMap(map[string]any{"cpu": "many"}); err == nil {
		t.Fatalf("expected error for invalid cpu")
	}
}

func TestHandleTransitions(t *testing.T) {
	now := time.Unix(100, 0)
	h := &vm.Handle{ID: "runner-x", State: vm.StateCreated}

	steps := []vm.State{vm.StateRunning, vm.StateStopped, vm.StateRunning, vm.StateDestroyed}
	for _, next := range steps {
		if err := h.Transition(next, now); err != nil {
			t.Fatalf("transition to %s: %v", next, err)
		}
	}
	if err := h.Transition(vm.StateRunning, now); err == nil {
		t.Fatalf("destroyed must be terminal")
	}
	if h.CurrentState() != vm.StateDestroyed {
		t.Fatalf("unexpected state: %s", h.CurrentState())
	}

	h2 := &vm.Handle{ID: "runner-y", State: vm.StateCreated}
	if err := h2.Transition(vm.StateStopped, now); err == nil {
		t.Fatalf("created -> stopped should be rejected")
	}
}
