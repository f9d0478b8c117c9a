package sandbox_test

import (
	"os"
	"path/filepath"
	"testing"

	"booml/internal/notebook/sandbox"
	pkgerrors "booml/pkg/errors"
)

func newJail(t *testing.T) (*sandbox.Jail, string) {
	t.Helper()
	root := t.TempDir()
	jail := sandbox.NewJail(root, nil)
	return jail, jail.Root()
}

func TestJailResolveRelative(t *testing.T) {
	jail, root := newJail(t)
	got, err := jail.Resolve("data/train.csv")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(root, "data", "train.csv"); got != want {
		t.Fatalf("unexpected path: got %s want %s", got, want)
	}
}

func TestJailResolveSyntheticCwd(t *testing.T) {
	jail, root := newJail(t)
	got, err := jail.Resolve("/sandbox/out.txt")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if want := filepath.Join(root, "out.txt"); got != want {
		t.Fatalf("unexpected path: got %s want %s", got, want)
	}
}

func TestJailRejectsEscapes(t *testing.T) {
	jail, root := newJail(t)
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(root, "link")); err != nil {
		t.Fatalf("symlink: %v", err)
	}

	cases := []string{"../secret.txt", "/etc/passwd", "a/../../b.txt", "link/file.txt", ""}
	for _, name := range cases {
		_, err := jail.Resolve(name)
		if err == nil {
			t.Fatalf("expected violation for %q", name)
		}
		if !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
			t.Fatalf("expected sandbox violation for %q, got %v", name, err)
		}
	}
}

func TestJailResolveForWriteChecksExtension(t *testing.T) {
	jail, _ := newJail(t)
	if _, err := jail.ResolveForWrite("result.csv"); err != nil {
		t.Fatalf("csv should be writable: %v", err)
	}
	if _, err := jail.ResolveForWrite("plot.PNG"); err != nil {
		t.Fatalf("extension match should be case-insensitive: %v", err)
	}
	for _, name := range []string{"run.sh", "lib.so", "noext", "."} {
		if _, err := jail.ResolveForWrite(name); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
			t.Fatalf("expected violation writing %q, got %v", name, err)
		}
	}
}

func TestJailRel(t *testing.T) {
	jail, root := newJail(t)
	rel, err := jail.Rel(filepath.Join(root, "sub", "x.csv"))
	if err != nil {
		t.Fatalf("rel: %v", err)
	}
	if rel != "sub/x.csv" {
		t.Fatalf("unexpected rel: %s", rel)
	}
}

func TestJailRejectsFileSymlinkOutside(t *testing.T) {
	jail, root := newJail(t)
	secret := filepath.Join(t.TempDir(), "secret.txt")
	if err := os.WriteFile(secret, []byte("s3cret"), 0o644); err != nil {
		t.Fatalf("write secret: %v", err)
	}
	if err := os.Symlink(secret, filepath.Join(root, "notes.txt")); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := jail.Resolve("notes.txt"); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected violation reading through symlink, got %v", err)
	}
	if _, err := jail.ResolveForWrite("notes.txt"); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected violation writing through symlink, got %v", err)
	}
}

func TestJailResolveForWriteRejectsExecutable(t *testing.T) {
	jail, _ := newJail(t)
	if _, err := jail.ResolveForWrite("a.exe"); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected violation writing a.exe, got %v", err)
	}
	if _, err := jail.ResolveForWrite("a.csv"); err != nil {
		t.Fatalf("a.csv should be writable: %v", err)
	}
}
