package stream

import (
	"sync"
	"time"

	"booml/internal/notebook/engine"
)

// Status is the lifecycle state of a streaming run.
type Status string

const (
	StatusRunning       Status = "running"
	StatusInputRequired Status = "input_required"
	StatusFinished      Status = "finished"
	StatusError         Status = "error"
	StatusCancelled     Status = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError || s == StatusCancelled
}

// Snapshot is a point-in-time view of a run.
type Snapshot struct {
	RunID      string     `json:"run_id"`
	SessionID  string     `json:"session_id"`
	CellID     string     `json:"cell_id,omitempty"`
	Status     Status     `json:"status"`
	StatusSeq  uint64     `json:"status_seq"`
	Prompt     string     `json:"prompt,omitempty"`
	StdoutPath string     `json:"-"`
	StderrPath string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Tail is an incremental read of a run's output.
type Tail struct {
	Stdout       string `json:"stdout"`
	Stderr       string `json:"stderr"`
	StdoutOffset int64  `json:"stdout_offset"`
	StderrOffset int64  `json:"stderr_offset"`
	Status       Status `json:"status"`
	StatusSeq    uint64 `json:"status_seq"`
	Prompt       string `json:"prompt,omitempty"`
}

// Run is one streaming execution. Exactly one may be active per session.
type Run struct {
	RunID      string
	SessionID  string
	CellID     string
	StdoutPath string
	StderrPath string
	CreatedAt  time.Time

	stdout *scratch
	stderr *scratch
	proc   *engine.Process
	done   chan struct{}

	mu         sync.Mutex
	status     Status
	seq        uint64
	prompt     string
	finishedAt time.Time
	changed    chan struct{}
	result     engine.Result
	cancelled  bool
}

// Snapshot returns the current state of the run.
func (r *Run) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Run) snapshotLocked() Snapshot {
	s := Snapshot{
		RunID:      r.RunID,
		SessionID:  r.SessionID,
		CellID:     r.CellID,
		Status:     r.status,
		StatusSeq:  r.seq,
		Prompt:     r.prompt,
		StdoutPath: r.StdoutPath,
		StderrPath: r.StderrPath,
		CreatedAt:  r.CreatedAt,
	}
	if !r.finishedAt.IsZero() {
		at := r.finishedAt
		s.FinishedAt = &at
	}
	return s
}

// watch returns the snapshot and a channel closed on the next status change.
func (r *Run) watch() (Snapshot, <-chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked(), r.changed
}

// transition moves the run to next and bumps status_seq. Terminal states are final.
func (r *Run) transition(next Status, prompt string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(next, prompt, now)
}

// resumeFromInput moves an input_required run back to running. Only one
// caller wins a given prompt; the others get the status they observed.
func (r *Run) resumeFromInput(now time.Time) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != StatusInputRequired {
		return r.status, false
	}
	return r.status, r.transitionLocked(StatusRunning, "", now)
}

func (r *Run) transitionLocked(next Status, prompt string, now time.Time) bool {
	if r.status.Terminal() {
		return false
	}
	r.status = next
	r.prompt = prompt
	r.seq++
	if next.Terminal() {
		r.finishedAt = now
	}
	close(r.changed)
	r.changed = make(chan struct{})
	return true
}

// Sink adapter: the engine reports output and prompts here.
type runSink struct {
	run *Run
	now func() time.Time
}

func (s runSink) Stdout(p []byte) { s.run.stdout.Write(p) }

func (s runSink) Stderr(p []byte) { s.run.stderr.Write(p) }

func (s runSink) InputRequired(prompt string) {
	s.run.transition(StatusInputRequired, prompt, s.now())
}
