package sandbox_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"booml/internal/notebook/sandbox"
	pkgerrors "booml/pkg/errors"
)

func newFileServer(t *testing.T, body string) (*httptest.Server, string) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.csv" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return srv, u.Hostname()
}

func TestDownloadIntoWorkspace(t *testing.T) {
	srv, host := newFileServer(t, "id,y\n1,2\n")
	root := t.TempDir()
	policy := sandbox.NewPolicy(root, sandbox.NetDeny, []string{host}, 1024)
	d := sandbox.NewDownloader(policy, srv.Client())

	name, err := d.Download(context.Background(), srv.URL+"/data/train.csv", "")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if name != "train.csv" {
		t.Fatalf("unexpected name: %s", name)
	}
	data, err := os.ReadFile(filepath.Join(policy.Jail().Root(), name))
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "id,y\n1,2\n" {
		t.Fatalf("unexpected content: %q", data)
	}
}

func TestDownloadRejectsHostOutsideAllowlist(t *testing.T) {
	srv, _ := newFileServer(t, "x")
	policy := sandbox.NewPolicy(t.TempDir(), sandbox.NetDeny, []string{"example.com"}, 1024)
	d := sandbox.NewDownloader(policy, srv.Client())

	_, err := d.Download(context.Background(), srv.URL+"/a.csv", "")
	if !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
}

func TestDownloadRejectsRedirectOutsideAllowlist(t *testing.T) {
	var hit atomic.Bool
	outside := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit.Store(true)
		_, _ = w.Write([]byte("secret"))
	}))
	t.Cleanup(outside.Close)
	entry := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, outside.URL+"/data.csv", http.StatusFound)
	}))
	t.Cleanup(entry.Close)

	// the entry server is reached as localhost, the redirect target by IP
	entryURL := strings.Replace(entry.URL, "127.0.0.1", "localhost", 1)
	root := t.TempDir()
	policy := sandbox.NewPolicy(root, sandbox.NetDeny, []string{"localhost"}, 1024)
	d := sandbox.NewDownloader(policy, entry.Client())

	_, err := d.Download(context.Background(), entryURL+"/data.csv", "")
	if !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
	if hit.Load() {
		t.Fatalf("redirect target outside the allowlist was contacted")
	}
	if _, statErr := os.Stat(filepath.Join(policy.Jail().Root(), "data.csv")); !os.IsNotExist(statErr) {
		t.Fatalf("no file should be written, stat err=%v", statErr)
	}
}

func TestDownloadFollowsRedirectWithinAllowlist(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.csv" {
			http.Redirect(w, r, "/new.csv", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte("a\n1\n"))
	}))
	t.Cleanup(srv.Close)
	u, _ := url.Parse(srv.URL)
	policy := sandbox.NewPolicy(t.TempDir(), sandbox.NetDeny, []string{u.Hostname()}, 1024)
	d := sandbox.NewDownloader(policy, srv.Client())

	name, err := d.Download(context.Background(), srv.URL+"/old.csv", "")
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(policy.Jail().Root(), name))
	if err != nil || string(data) != "a\n1\n" {
		t.Fatalf("unexpected content %q err=%v", data, err)
	}
}

func TestDownloadRejectsExtension(t *testing.T) {
	srv, host := newFileServer(t, "#!/bin/sh")
	policy := sandbox.NewPolicy(t.TempDir(), sandbox.NetDeny, []string{host}, 1024)
	d := sandbox.NewDownloader(policy, srv.Client())

	if _, err := d.Download(context.Background(), srv.URL+"/run.sh", ""); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected sandbox violation, got %v", err)
	}
	if _, err := d.Download(context.Background(), srv.URL+"/", ""); !pkgerrors.Is(err, pkgerrors.SandboxViolation) {
		t.Fatalf("expected violation for default name, got %v", err)
	}
}

func TestDownloadEnforcesMaxFileBytes(t *testing.T) {
	srv, host := newFileServer(t, strings.Repeat("a", 64))
	root := t.TempDir()
	policy := sandbox.NewPolicy(root, sandbox.NetDeny, []string{host}, 16)
	d := sandbox.NewDownloader(policy, srv.Client())

	_, err := d.Download(context.Background(), srv.URL+"/big.txt", "")
	if !pkgerrors.Is(err, pkgerrors.PayloadTooLarge) {
		t.Fatalf("expected payload too large, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(policy.Jail().Root(), "big.txt")); !os.IsNotExist(statErr) {
		t.Fatalf("oversized download should not be kept, stat err=%v", statErr)
	}
}

func TestDownloadUpstreamFailure(t *testing.T) {
	srv, host := newFileServer(t, "x")
	policy := sandbox.NewPolicy(t.TempDir(), sandbox.NetDeny, []string{host}, 1024)
	d := sandbox.NewDownloader(policy, srv.Client())
	if _, err := d.Download(context.Background(), srv.URL+"/missing.csv", ""); err == nil {
		t.Fatalf("expected error for 404")
	}
}

func TestHostAllowedSuffix(t *testing.T) {
	policy := sandbox.NewPolicy(t.TempDir(), sandbox.NetDeny, []string{"example.com", " .data.org "}, 0)
	allowed := []string{"example.com", "cdn.example.com", "EXAMPLE.COM.", "x.data.org"}
	denied := []string{"badexample.com", "example.com.evil.io", "", "org"}
	for _, h := range allowed {
		if !policy.HostAllowed(h) {
			t.Fatalf("expected %q to be allowed", h)
		}
	}
	for _, h := range denied {
		if policy.HostAllowed(h) {
			t.Fatalf("expected %q to be denied", h)
		}
	}
}
