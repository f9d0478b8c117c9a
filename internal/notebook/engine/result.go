package engine

import (
	"io"

	"booml/internal/notebook/artifact"
	"booml/internal/notebook/vm"
)

// Status is the outcome of a run.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusError         Status = "error"
	StatusTimeout       Status = "timeout"
	StatusKilled        Status = "killed"
	StatusInputRequired Status = "input_required"
)

// Request is one code payload to execute in a session.
type Request struct {
	SessionID string
	RunID     string
	Code      string
	// Stdin, when set, is fed to the child and closed at EOF.
	Stdin     io.Reader
	Streaming bool
}

// Workspace is where a run executes and what its network policy is.
type Workspace struct {
	Dir          string
	RunsDir      string
	StatePath    string
	NetOutbound  string
	NetAllowlist []string
}

// WorkspaceFor derives the run workspace from a VM handle.
func WorkspaceFor(h *vm.Handle) Workspace {
	return Workspace{
		Dir:          h.WorkspacePath,
		RunsDir:      h.RunsDir(),
		StatePath:    h.StatePath(),
		NetOutbound:  h.Spec.NetOutbound,
		NetAllowlist: append([]string(nil), h.Spec.NetAllowlist...),
	}
}

// Result is the outcome of a finished run.
type Result struct {
	RunID           string              `json:"run_id,omitempty"`
	Status          Status              `json:"status"`
	ExitCode        int                 `json:"exit_code"`
	ElapsedMs       int64               `json:"elapsed_ms"`
	CPUSeconds      float64             `json:"cpu_seconds"`
	PeakMemMB       float64             `json:"peak_mem_mb"`
	Stdout          string              `json:"stdout"`
	Stderr          string              `json:"stderr"`
	StdoutTruncated bool                `json:"stdout_truncated"`
	StderrTruncated bool                `json:"stderr_truncated"`
	Prompt          string              `json:"prompt,omitempty"`
	Error           *artifact.ErrorInfo `json:"error,omitempty"`
	Variables       map[string]string   `json:"variables"`
	Outputs         []artifact.Output   `json:"outputs"`
	Artifacts       []artifact.File     `json:"artifacts"`
}

// ErrorText is the traceback, or the message when no traceback exists.
func (r Result) ErrorText() string {
	if r.Error == nil {
		return ""
	}
	if r.Error.Traceback != "" {
		return r.Error.Traceback
	}
	return r.Error.Message
}

func rejected(runID, kind, message string) Result {
	return Result{
		RunID:     runID,
		Status:    StatusError,
		ExitCode:  -1,
		Error:     &artifact.ErrorInfo{Code: kind, Message: message},
		Variables: map[string]string{},
		Outputs:   []artifact.Output{artifact.ErrorOutput(artifact.ErrorInfo{Code: kind, Message: message})},
		Artifacts: []artifact.File{},
	}
}
