package response_test

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"booml/pkg/errors"
	"booml/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

func serve(t *testing.T, handler gin.HandlerFunc) (*httptest.ResponseRecorder, response.Response) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/", func(c *gin.Context) {
		c.Set("trace_id", "trace-1")
		handler(c)
	})
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	var resp response.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return rec, resp
}

func TestSuccess(t *testing.T) {
	rec, resp := serve(t, func(c *gin.Context) {
		response.Success(c, gin.H{"run_id": "r-1"})
	})
	if rec.Code != http.StatusOK || resp.Code != errors.Success || resp.Kind != "" {
		t.Fatalf("unexpected response: %d %+v", rec.Code, resp)
	}
	if resp.TraceID != "trace-1" {
		t.Fatalf("trace id = %q", resp.TraceID)
	}
}

func TestErrorMapsKindAndStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		kind   string
	}{
		{name: "violation", err: errors.Violation("blocked"), status: http.StatusForbidden, kind: "sandbox_violation"},
		{name: "busy", err: errors.New(errors.RunInProgress), status: http.StatusConflict, kind: "run_in_progress"},
		{name: "missing", err: errors.New(errors.SessionNotFound), status: http.StatusNotFound, kind: "not_found"},
		{name: "validation", err: errors.ValidationError("code", "required"), status: http.StatusBadRequest, kind: "validation_error"},
		{name: "queue full", err: errors.New(errors.EvaluationQueueFull), status: http.StatusTooManyRequests, kind: "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, resp := serve(t, func(c *gin.Context) { response.Error(c, tc.err) })
			if rec.Code != tc.status {
				t.Fatalf("status = %d, want %d", rec.Code, tc.status)
			}
			if resp.Kind != tc.kind {
				t.Fatalf("kind = %q, want %q", resp.Kind, tc.kind)
			}
		})
	}
}

func TestErrorHidesInternalDetails(t *testing.T) {
	leak := stderrors.New("dial tcp 10.0.0.3:3306: connection refused")

	response.SetDebug(false)
	rec, resp := serve(t, func(c *gin.Context) { response.Error(c, leak) })
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if resp.Message != errors.InternalServerError.Message() {
		t.Fatalf("internal message leaked: %q", resp.Message)
	}

	response.SetDebug(true)
	defer response.SetDebug(false)
	_, resp = serve(t, func(c *gin.Context) { response.Error(c, leak) })
	if resp.Message != leak.Error() {
		t.Fatalf("debug mode should expose the message, got %q", resp.Message)
	}
}

func TestBadRequestAndAbort(t *testing.T) {
	rec, resp := serve(t, func(c *gin.Context) { response.BadRequest(c, "invalid json") })
	if rec.Code != http.StatusBadRequest || resp.Message != "invalid json" {
		t.Fatalf("unexpected response: %d %+v", rec.Code, resp)
	}
	rec, resp = serve(t, func(c *gin.Context) {
		response.AbortWithError(c, errors.New(errors.RunNotFound))
		if !c.IsAborted() {
			t.Errorf("expected context to be aborted")
		}
	})
	if rec.Code != http.StatusNotFound || resp.Code != errors.RunNotFound {
		t.Fatalf("unexpected response: %d %+v", rec.Code, resp)
	}
}
