package controller

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"booml/internal/evaluation/repository"
	"booml/internal/evaluation/tabular"
	"booml/pkg/errors"
	"booml/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

const defaultMaxUploadBytes = 64 << 20

// Enqueuer accepts submissions for evaluation.
type Enqueuer interface {
	Enqueue(ctx context.Context, submissionID int64) error
}

// StatusReader returns the cached evaluation state of a submission.
type StatusReader interface {
	Get(ctx context.Context, submissionID int64) (repository.StatusRecord, error)
}

// EvaluationController handles submission endpoints.
type EvaluationController struct {
	evaluator      Enqueuer
	statuses       StatusReader
	store          repository.Store
	maxUploadBytes int64
}

// NewEvaluationController creates a new controller. statuses and store may be nil.
func NewEvaluationController(evaluator Enqueuer, statuses StatusReader, store repository.Store, maxUploadBytes int64) *EvaluationController {
	if maxUploadBytes <= 0 {
		maxUploadBytes = defaultMaxUploadBytes
	}
	return &EvaluationController{evaluator: evaluator, statuses: statuses, store: store, maxUploadBytes: maxUploadBytes}
}

// Evaluate queues a submission.
func (h *EvaluationController) Evaluate(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	if err := h.evaluator.Enqueue(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	c.JSON(http.StatusAccepted, response.Response{
		Code:    errors.Success,
		Message: "Accepted",
		Data:    gin.H{"submission_id": id, "status": repository.StatusPending},
	})
}

// GetStatus returns the latest evaluation state, preferring the status cache.
func (h *EvaluationController) GetStatus(c *gin.Context) {
	id, ok := submissionID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if h.statuses != nil {
		rec, err := h.statuses.Get(ctx, id)
		if err == nil {
			response.Success(c, rec)
			return
		}
		if h.store == nil {
			response.Error(c, err)
			return
		}
	}
	if h.store == nil {
		response.Error(c, errors.New(errors.ServiceUnavailable).WithMessage("submission store is not configured"))
		return
	}
	sub, err := h.store.GetSubmission(ctx, id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, repository.StatusRecord{
		SubmissionID: sub.ID,
		ProblemID:    sub.ProblemID,
		Status:       sub.Status,
		Metrics:      sub.Metrics,
		UpdatedAt:    sub.UpdatedAt,
	})
}

// Validate checks the structure of an uploaded CSV. Required columns come
// from the form or, when problem_id is given, from the problem descriptor.
func (h *EvaluationController) Validate(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	fh, err := c.FormFile("file")
	if err != nil {
		response.Error(c, errors.ValidationError("file", "a csv file is required"))
		return
	}
	req := tabular.Requirements{
		IDColumn:     strings.TrimSpace(c.PostForm("id_column")),
		TargetColumn: strings.TrimSpace(c.PostForm("target_column")),
	}
	if raw := strings.TrimSpace(c.PostForm("problem_id")); raw != "" {
		problemID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || problemID <= 0 {
			response.Error(c, errors.ValidationError("problem_id", "must be a positive integer"))
			return
		}
		if h.store == nil {
			response.Error(c, errors.New(errors.ServiceUnavailable).WithMessage("problem store is not configured"))
			return
		}
		desc, err := h.store.GetDescriptor(c.Request.Context(), problemID)
		if err != nil {
			response.Error(c, err)
			return
		}
		if req.IDColumn == "" {
			req.IDColumn = desc.IDColumn
		}
		if req.TargetColumn == "" {
			req.TargetColumn = desc.TargetColumn
		}
	}
	f, err := fh.Open()
	if err != nil {
		response.Error(c, errors.Wrapf(err, errors.InvalidParams, "open upload failed"))
		return
	}
	defer f.Close()
	response.Success(c, tabular.Validate(f, req))
}

func submissionID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.Error(c, errors.ValidationError("submission_id", "must be a positive integer"))
		return 0, false
	}
	return id, true
}
