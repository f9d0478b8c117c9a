package controller

import (
	"strconv"
	"strings"

	"booml/internal/notebook/service"
	"booml/pkg/errors"
	"booml/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// NotebookController handles session and run endpoints.
type NotebookController struct {
	svc *service.Service
}

// NewNotebookController creates a new controller.
func NewNotebookController(svc *service.Service) *NotebookController {
	return &NotebookController{svc: svc}
}

// RunCode executes a cell to completion.
func (h *NotebookController) RunCode(c *gin.Context) {
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	res, err := h.svc.RunCode(c.Request.Context(), c.Param("id"), req.Code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// StartRun launches a streaming run.
func (h *NotebookController) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	snap, err := h.svc.StartRun(c.Request.Context(), c.Param("id"), req.CellID, req.Code)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, StartRunResponse{RunID: snap.RunID, Status: string(snap.Status), StatusSeq: snap.StatusSeq})
}

// Tail returns new output of a streaming run.
func (h *NotebookController) Tail(c *gin.Context) {
	stdoutOff, err := offsetQuery(c, "stdout_offset")
	if err != nil {
		response.Error(c, err)
		return
	}
	stderrOff, err := offsetQuery(c, "stderr_offset")
	if err != nil {
		response.Error(c, err)
		return
	}
	var since *uint64
	if raw := strings.TrimSpace(c.Query("since_seq")); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			response.Error(c, errors.ValidationError("since_seq", "must be a non-negative integer"))
			return
		}
		since = &seq
	}
	tail, err := h.svc.Tail(c.Request.Context(), c.Param("run_id"), stdoutOff, stderrOff, since)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, tail)
}

// Stdin answers an input prompt.
func (h *NotebookController) Stdin(c *gin.Context) {
	var req StdinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	if err := h.svc.SendStdin(c.Request.Context(), c.Param("run_id"), req.Data); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("run_id")})
}

// Cancel stops a streaming run.
func (h *NotebookController) Cancel(c *gin.Context) {
	if err := h.svc.Cancel(c.Request.Context(), c.Param("run_id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"run_id": c.Param("run_id")})
}

// Result waits for a streaming run and returns its result.
func (h *NotebookController) Result(c *gin.Context) {
	res, err := h.svc.Finalize(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetSession describes a live session.
func (h *NotebookController) GetSession(c *gin.Context) {
	info, err := h.svc.Session(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Reset rebuilds the session VM.
func (h *NotebookController) Reset(c *gin.Context) {
	info, err := h.svc.Reset(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, info)
}

// Destroy removes the session.
func (h *NotebookController) Destroy(c *gin.Context) {
	if err := h.svc.Destroy(c.Request.Context(), c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"session_id": c.Param("id")})
}

// File serves a workspace file.
func (h *NotebookController) File(c *gin.Context) {
	name := strings.TrimPrefix(c.Param("name"), "/")
	path, err := h.svc.File(c.Param("id"), name)
	if err != nil {
		response.Error(c, err)
		return
	}
	c.File(path)
}

func offsetQuery(c *gin.Context, key string) (int64, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, errors.ValidationError(key, "must be a non-negative integer")
	}
	return v, nil
}

// RunRequest is the run_code payload.
type RunRequest struct {
	Code string `json:"code"`
}

// StartRunRequest starts a streaming run.
type StartRunRequest struct {
	CellID string `json:"cell_id"`
	Code   string `json:"code"`
}

// StartRunResponse identifies a started run.
type StartRunResponse struct {
	RunID     string `json:"run_id"`
	Status    string `json:"status"`
	StatusSeq uint64 `json:"status_seq"`
}

// StdinRequest carries one line of input.
type StdinRequest struct {
	Data string `json:"data"`
}
