package sandbox

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

const (
	defaultDownloadTimeout = 30 * time.Second
	maxDownloadRedirects   = 10
)

// Downloader fetches remote files into a workspace on behalf of user code.
type Downloader struct {
	policy *Policy
	jail   *Jail
	client *http.Client
}

// NewDownloader creates a downloader bound to policy. A nil client uses a
// client with a 30s timeout. The client is copied so every redirect hop is
// held to the same host policy as the first request.
func NewDownloader(policy *Policy, client *http.Client) *Downloader {
	if client == nil {
		client = &http.Client{Timeout: defaultDownloadTimeout}
	}
	d := &Downloader{policy: policy, jail: policy.Jail()}
	guarded := *client
	next := client.CheckRedirect
	guarded.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if !d.hostPermitted(req.URL.Hostname()) {
			return errors.Violation("redirect to host %q is not allowed", req.URL.Hostname())
		}
		if next != nil {
			return next(req, via)
		}
		if len(via) >= maxDownloadRedirects {
			return errors.Newf(errors.ServiceUnavailable, "stopped after %d redirects", maxDownloadRedirects)
		}
		return nil
	}
	d.client = &guarded
	return d
}

// Download streams rawURL into the workspace and returns the workspace-relative name.
func (d *Downloader) Download(ctx context.Context, rawURL, filename string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return "", errors.ValidationError("url", "URL must be a non-empty string")
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return "", errors.ValidationError("url", "only http and https URLs are supported")
	}
	if !d.hostPermitted(parsed.Hostname()) {
		return "", errors.Violation("outbound access to host %q is not allowed", parsed.Hostname())
	}

	name := strings.TrimSpace(filename)
	if name == "" {
		name = path.Base(parsed.Path)
		if name == "" || name == "/" || name == "." {
			name = "downloaded.file"
		}
	}
	target, err := d.jail.ResolveForWrite(name)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", errors.Wrap(err, errors.InvalidParams)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, errors.SandboxViolation) {
			return "", errors.GetError(err)
		}
		return "", errors.Wrapf(err, errors.ServiceUnavailable, "download %s", parsed.Redacted())
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", errors.Newf(errors.ServiceUnavailable, "download %s: unexpected status %d", parsed.Redacted(), resp.StatusCode)
	}
	if d.policy.MaxFileBytes > 0 && resp.ContentLength > d.policy.MaxFileBytes {
		return "", errors.Newf(errors.PayloadTooLarge, "download exceeds %d bytes", d.policy.MaxFileBytes)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	tmp, err := os.CreateTemp(filepath.Dir(target), ".download-*")
	if err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	var body io.Reader = resp.Body
	if d.policy.MaxFileBytes > 0 {
		body = io.LimitReader(resp.Body, d.policy.MaxFileBytes+1)
	}
	written, copyErr := io.Copy(tmp, body)
	closeErr := tmp.Close()
	if copyErr != nil {
		return "", errors.Wrapf(copyErr, errors.ServiceUnavailable, "download %s", parsed.Redacted())
	}
	if closeErr != nil {
		return "", errors.Wrap(closeErr, errors.InternalServerError)
	}
	if d.policy.MaxFileBytes > 0 && written > d.policy.MaxFileBytes {
		return "", errors.Newf(errors.PayloadTooLarge, "download exceeds %d bytes", d.policy.MaxFileBytes)
	}
	if err := os.Rename(tmpName, target); err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}

	rel, err := d.jail.Rel(target)
	if err != nil {
		return "", errors.Wrap(err, errors.InternalServerError)
	}
	logger.Info(ctx, "file downloaded into workspace",
		zap.String("host", parsed.Hostname()),
		zap.String("name", rel),
		zap.Int64("bytes", written),
	)
	return rel, nil
}

// hostPermitted: an allowlist, when present, always applies. Without one,
// only the "allow" outbound mode admits downloads.
func (d *Downloader) hostPermitted(host string) bool {
	if len(d.policy.NetAllowlist) > 0 {
		return d.policy.HostAllowed(host)
	}
	return d.policy.NetOutbound == NetAllow
}
