package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"booml/internal/notebook/engine"
	"booml/internal/notebook/stream"
	"booml/pkg/errors"

	"github.com/google/uuid"
)

const dialTimeout = 2 * time.Second

// Client talks to one VM agent. Every call uses its own connection so a
// long status wait never blocks other calls.
type Client struct {
	socket string
}

// NewClient returns a client for the agent listening on socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socket: socketPath}
}

// Probe pings the agent at socketPath. It matches vm.AgentProbe.
func Probe(ctx context.Context, socketPath string) error {
	return NewClient(socketPath).Ping(ctx)
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	return callSocket(ctx, c.socket, "vm agent", req)
}

func callSocket(ctx context.Context, socket, peer string, req Request) (Response, error) {
	req.ID = uuid.NewString()
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "unix", socket)
	if err != nil {
		return Response{}, errors.Wrapf(err, errors.ServiceUnavailable, "dial %s", peer)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, errors.Wrapf(err, errors.ServiceUnavailable, "send %s request", req.Type)
	}
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	if !sc.Scan() {
		if ctx.Err() != nil {
			return Response{}, errors.Wrap(ctx.Err(), errors.Timeout)
		}
		err := sc.Err()
		if err == nil {
			err = fmt.Errorf("connection closed")
		}
		return Response{}, errors.Wrapf(err, errors.ServiceUnavailable, "read %s response", req.Type)
	}
	var resp Response
	if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
		return Response{}, errors.Wrapf(err, errors.InternalServerError, "decode %s response", req.Type)
	}
	if resp.ID != req.ID {
		return Response{}, errors.Newf(errors.InternalServerError, "response id %q does not match request %q", resp.ID, req.ID)
	}
	return resp, resp.err()
}

// Ping checks the agent is serving.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, Request{Type: TypePing})
	return err
}

// Run executes code to completion inside the VM.
func (c *Client) Run(ctx context.Context, runID, code string) (engine.Result, error) {
	resp, err := c.call(ctx, Request{Type: TypeRun, RunID: runID, Code: code})
	if err != nil {
		return engine.Result{}, err
	}
	if resp.Result == nil {
		return engine.Result{}, errors.New(errors.InternalServerError).WithMessage("agent run returned no result")
	}
	return *resp.Result, nil
}

// Start launches a streaming run inside the VM.
func (c *Client) Start(ctx context.Context, cellID, code string) (stream.Snapshot, error) {
	resp, err := c.call(ctx, Request{Type: TypeRun, Stream: true, CellID: cellID, Code: code})
	if err != nil {
		return stream.Snapshot{}, err
	}
	return toSnapshot(resp), nil
}

// Tail reads output past the given offsets.
func (c *Client) Tail(ctx context.Context, runID string, stdoutOff, stderrOff int64) (stream.Tail, error) {
	resp, err := c.call(ctx, Request{Type: TypeTail, RunID: runID, StdoutOffset: stdoutOff, StderrOffset: stderrOff})
	if err != nil {
		return stream.Tail{}, err
	}
	return stream.Tail{
		Stdout:       resp.Stdout,
		Stderr:       resp.Stderr,
		StdoutOffset: resp.StdoutOffset,
		StderrOffset: resp.StderrOffset,
		Status:       resp.Status,
		StatusSeq:    resp.StatusSeq,
		Prompt:       resp.Prompt,
	}, nil
}

// WaitForStatus blocks in the agent until the status changes past since.
func (c *Client) WaitForStatus(ctx context.Context, runID string, since *uint64) (stream.Snapshot, error) {
	resp, err := c.call(ctx, Request{Type: TypeStatus, RunID: runID, SinceSeq: since})
	if err != nil {
		return stream.Snapshot{}, err
	}
	return toSnapshot(resp), nil
}

// SendStdin answers a pending prompt.
func (c *Client) SendStdin(ctx context.Context, runID, data string) error {
	_, err := c.call(ctx, Request{Type: TypeStdin, RunID: runID, Data: data})
	return err
}

// Cancel kills the run.
func (c *Client) Cancel(ctx context.Context, runID string) error {
	_, err := c.call(ctx, Request{Type: TypeCancel, RunID: runID})
	return err
}

// Finalize polls the status until the run is terminal and returns its result.
func (c *Client) Finalize(ctx context.Context, runID string) (engine.Result, error) {
	var since *uint64
	for {
		resp, err := c.call(ctx, Request{Type: TypeStatus, RunID: runID, SinceSeq: since})
		if err != nil {
			return engine.Result{}, err
		}
		if resp.Status.Terminal() && resp.Result != nil {
			return *resp.Result, nil
		}
		seq := resp.StatusSeq
		since = &seq
	}
}

func toSnapshot(resp Response) stream.Snapshot {
	return stream.Snapshot{RunID: resp.RunID, Status: resp.Status, StatusSeq: resp.StatusSeq, Prompt: resp.Prompt}
}
