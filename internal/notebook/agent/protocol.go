package agent

import (
	"booml/internal/notebook/engine"
	"booml/internal/notebook/stream"
	"booml/pkg/errors"
)

// Request types.
const (
	TypeRun    = "run"
	TypeStdin  = "stdin"
	TypeCancel = "cancel"
	TypeStatus = "status"
	TypeTail   = "tail"
	TypePing   = "ping"

	// TypeDownload is served by the host relay, not the VM agent.
	TypeDownload = "download"
)

// maxLine bounds one protocol line; results carry bounded stdout/stderr plus table previews.
const maxLine = 64 << 20

// Request is one line sent to the agent.
type Request struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	RunID        string  `json:"run_id,omitempty"`
	Code         string  `json:"code,omitempty"`
	CellID       string  `json:"cell_id,omitempty"`
	Stream       bool    `json:"stream,omitempty"`
	Data         string  `json:"data,omitempty"`
	SinceSeq     *uint64 `json:"since_seq,omitempty"`
	StdoutOffset int64   `json:"stdout_offset,omitempty"`
	StderrOffset int64   `json:"stderr_offset,omitempty"`
	URL          string  `json:"url,omitempty"`
	Filename     string  `json:"filename,omitempty"`
}

// ErrorBody carries a failed request's kind and message. Code is the exact
// error code when the agent knows it.
type ErrorBody struct {
	Code    errors.ErrorCode `json:"code,omitempty"`
	Kind    string           `json:"kind"`
	Message string           `json:"message"`
}

// Response answers exactly one Request.
type Response struct {
	ID           string         `json:"id"`
	OK           bool           `json:"ok"`
	Error        *ErrorBody     `json:"error,omitempty"`
	RunID        string         `json:"run_id,omitempty"`
	Status       stream.Status  `json:"status,omitempty"`
	StatusSeq    uint64         `json:"status_seq"`
	Prompt       string         `json:"prompt,omitempty"`
	Stdout       string         `json:"stdout,omitempty"`
	Stderr       string         `json:"stderr,omitempty"`
	StdoutOffset int64          `json:"stdout_offset,omitempty"`
	StderrOffset int64          `json:"stderr_offset,omitempty"`
	Result       *engine.Result `json:"result,omitempty"`
	Name         string         `json:"name,omitempty"`
}

func errorResponse(id string, err error) Response {
	return Response{ID: id, Error: &ErrorBody{Code: errors.GetCode(err), Kind: errors.KindOf(err), Message: err.Error()}}
}

func (r Response) err() error {
	if r.OK {
		return nil
	}
	if r.Error == nil {
		return errors.New(errors.InternalServerError).WithMessage("agent returned an empty error")
	}
	return errors.FromPeer(r.Error.Code, r.Error.Kind, r.Error.Message)
}
