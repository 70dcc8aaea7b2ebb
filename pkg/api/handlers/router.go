package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tidalflow/tidalflow/internal/storage"
	"github.com/tidalflow/tidalflow/pkg/api/dto"
	"github.com/tidalflow/tidalflow/pkg/api/middleware"
)

// Version is reported by the health endpoint.
const Version = "0.3.0"

// Pinger is anything with a health-checkable connection.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterConfig wires the API's dependencies.
type RouterConfig struct {
	Workflows   storage.WorkflowRepository
	Runs        storage.WorkflowRunRepository
	TaskRuns    storage.TaskRunRepository
	Coordinator RunCoordinator
	Logger      *logrus.Logger
	DB          Pinger // optional, reported by /health
}

// NewRouter builds the gin engine with all routes and middleware.
func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Logger != nil {
		router.Use(middleware.Logger(cfg.Logger))
	}
	router.Use(middleware.ErrorHandler())

	router.GET("/health", healthHandler(cfg.DB))

	workflowHandler := NewWorkflowHandler(cfg.Workflows, cfg.Coordinator)
	runHandler := NewRunHandler(cfg.Runs, cfg.TaskRuns, cfg.Coordinator)

	v1 := router.Group("/api/v1")
	{
		workflows := v1.Group("/workflows")
		{
			workflows.POST("", workflowHandler.Create)
			workflows.GET("", workflowHandler.List)
			workflows.GET("/:id", workflowHandler.Get)
			workflows.PATCH("/:id", workflowHandler.Update)
			workflows.DELETE("/:id", workflowHandler.Delete)
			workflows.POST("/:id/run", workflowHandler.Trigger)
		}

		runs := v1.Group("/runs")
		{
			runs.GET("", runHandler.List)
			runs.GET("/:id", runHandler.Get)
			runs.POST("/:id/cancel", runHandler.Cancel)
			runs.GET("/:id/tasks", runHandler.ListTaskRuns)
		}

		v1.GET("/task-runs/:id", runHandler.GetTaskRun)
	}

	return router
}

func healthHandler(db Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		resp := dto.HealthResponse{
			Status:  "healthy",
			Version: Version,
		}
		if db != nil {
			resp.Services = map[string]string{"database": "up"}
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				resp.Status = "degraded"
				resp.Services["database"] = "down"
			}
		}

		status := http.StatusOK
		if resp.Status != "healthy" {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, resp)
	}
}
