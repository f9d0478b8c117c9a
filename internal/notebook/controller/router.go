// Package controller exposes the notebook and evaluation services over
// HTTP and websockets.
package controller

import (
	"booml/internal/common/http/middleware"
	"booml/pkg/utils/contextkey"
	"booml/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// Routes groups the controllers to mount. Nil controllers are skipped.
type Routes struct {
	Notebook   *NotebookController
	Evaluation *EvaluationController
	Streams    *StreamController
	// Health reports readiness; nil always reports ok.
	Health func(c *gin.Context) error
}

// NewRouter builds the gin engine with the common middleware chain.
func NewRouter(r Routes) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.TraceContextMiddleware())
	router.Use(middleware.RequestLogger())
	Register(router, r)
	return router
}

// Register mounts the routes on router.
func Register(router gin.IRouter, r Routes) {
	router.GET("/healthz", func(c *gin.Context) {
		if r.Health != nil {
			if err := r.Health(c); err != nil {
				response.Error(c, err)
				return
			}
		}
		response.Success(c, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	if h := r.Notebook; h != nil {
		sessions := api.Group("/sessions/:id", middleware.ScopeParam("id", contextkey.SessionID))
		sessions.GET("", h.GetSession)
		sessions.POST("/run", h.RunCode)
		sessions.POST("/runs", h.StartRun)
		sessions.POST("/reset", h.Reset)
		sessions.DELETE("", h.Destroy)
		sessions.GET("/files/*name", h.File)

		runs := api.Group("/runs/:run_id", middleware.ScopeParam("run_id", contextkey.RunID))
		runs.GET("/tail", h.Tail)
		runs.POST("/stdin", h.Stdin)
		runs.POST("/cancel", h.Cancel)
		runs.GET("/result", h.Result)
	}
	if h := r.Evaluation; h != nil {
		submissions := api.Group("/submissions/:id", middleware.ScopeParam("id", contextkey.SubmissionID))
		submissions.POST("/evaluate", h.Evaluate)
		submissions.GET("/status", h.GetStatus)
		api.POST("/validate", h.Validate)
	}
	if h := r.Streams; h != nil {
		ws := router.Group("/ws")
		if h.svc != nil {
			ws.GET("/runs/:run_id", middleware.ScopeParam("run_id", contextkey.RunID), h.RunStream)
		}
		if h.hub != nil {
			ws.GET("/submissions/:id", h.SubmissionEvents)
			ws.GET("/problems/:id/submissions", h.ProblemEvents)
		}
	}
}
