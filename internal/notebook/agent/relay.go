package agent

import (
	"context"
	stderrors "errors"
	"net"
	"net/http"
	"os"
	"sync"

	"booml/internal/notebook/sandbox"
	"booml/internal/notebook/vm"
	"booml/pkg/errors"
	"booml/pkg/utils/logger"

	"go.uber.org/zap"
)

// Relay runs on the host and serves downloads for VMs whose network mode
// cuts them off. Each VM gets its own socket in its VM directory, and the
// downloader writes straight into the host side of the workspace mount.
type Relay struct {
	client       *http.Client
	maxFileBytes int64

	mu       sync.Mutex
	attached map[string]*relayListener
}

type relayListener struct {
	ln     net.Listener
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. A nil client uses the downloader default.
func NewRelay(client *http.Client, maxFileBytes int64) *Relay {
	return &Relay{client: client, maxFileBytes: maxFileBytes, attached: make(map[string]*relayListener)}
}

// Attach listens on h's relay socket, replacing any earlier listener for the VM.
// The VM's network policy is fixed at attach time.
func (r *Relay) Attach(ctx context.Context, h *vm.Handle) error {
	r.Detach(h.ID)

	socket := h.RelaySocket()
	_ = os.Remove(socket)
	ln, err := net.Listen("unix", socket)
	if err != nil {
		return errors.Wrapf(err, errors.ServiceUnavailable, "listen %s", socket)
	}
	// the agent may run as another user inside the container
	if err := os.Chmod(socket, 0o666); err != nil {
		logger.Warn(ctx, "chmod relay socket failed", zap.Error(err))
	}

	policy := sandbox.NewPolicy(h.WorkspacePath, h.Spec.NetOutbound, h.Spec.NetAllowlist, r.maxFileBytes)
	downloader := sandbox.NewDownloader(policy, r.client)
	serveCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	l := &relayListener{ln: ln, cancel: cancel, done: make(chan struct{})}

	r.mu.Lock()
	r.attached[h.ID] = l
	r.mu.Unlock()

	go func() {
		defer close(l.done)
		r.serve(serveCtx, ln, downloader, h.ID)
	}()
	logger.Debug(ctx, "host relay attached", zap.String("vm_id", h.ID))
	return nil
}

// Detach stops serving the VM and waits for in-flight requests.
func (r *Relay) Detach(vmID string) {
	r.mu.Lock()
	l, ok := r.attached[vmID]
	delete(r.attached, vmID)
	r.mu.Unlock()
	if !ok {
		return
	}
	l.cancel()
	_ = l.ln.Close()
	<-l.done
}

// Close detaches every VM.
func (r *Relay) Close() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.attached))
	for id := range r.attached {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Detach(id)
	}
}

func (r *Relay) serve(ctx context.Context, ln net.Listener, downloader *sandbox.Downloader, vmID string) {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() == nil && !stderrors.Is(err, net.ErrClosed) {
				logger.Warn(ctx, "host relay accept failed", zap.String("vm_id", vmID), zap.Error(err))
			}
			return
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
			defer stop()
			serveConn(ctx, conn, func(ctx context.Context, req Request) Response {
				return relayHandle(ctx, downloader, req)
			})
		}()
	}
}

func relayHandle(ctx context.Context, downloader *sandbox.Downloader, req Request) Response {
	switch req.Type {
	case TypePing:
		return Response{ID: req.ID, OK: true}
	case TypeDownload:
		name, err := downloader.Download(ctx, req.URL, req.Filename)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return Response{ID: req.ID, OK: true, Name: name}
	default:
		return errorResponse(req.ID, errors.Newf(errors.InvalidParams, "relay does not serve %q", req.Type))
	}
}

// RelayClient is the VM side of the relay.
type RelayClient struct {
	socket string
}

// NewRelayClient returns a client for the relay listening on socketPath.
func NewRelayClient(socketPath string) *RelayClient {
	return &RelayClient{socket: socketPath}
}

// Download asks the host to fetch rawURL into the workspace and returns the
// workspace-relative name. It matches engine.DownloadFunc.
func (c *RelayClient) Download(ctx context.Context, rawURL, filename string) (string, error) {
	resp, err := callSocket(ctx, c.socket, "host relay", Request{Type: TypeDownload, URL: rawURL, Filename: filename})
	if err != nil {
		return "", err
	}
	return resp.Name, nil
}
