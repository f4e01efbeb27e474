package httpserver

import (
	"context"
	"net/http"
	"time"

	"goalpath/internal/handler"
	"goalpath/pkg/otel"
	"goalpath/pkg/rbac"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

type Handlers struct {
	Goals *handler.GoalHandler
	Tasks *handler.TaskHandler
	Rules *handler.RuleHandler
	Ops   *handler.OpsHandler
}

func NewRouter(h Handlers, jwtSecret string, logger *zap.Logger, checks map[string]ReadinessCheck) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), RequestLogger(logger))

	// Health endpoints
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		for name, check := range checks {
			if err := check(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(jwtSecret))
	{
		api.POST("/goals", RequirePermission(rbac.PermissionCreateGoal), h.Goals.CreateGoal)
		api.GET("/goals", RequirePermission(rbac.PermissionReadGoal), h.Goals.ListGoals)
		api.GET("/goals/:id/milestones", RequirePermission(rbac.PermissionReadGoal), h.Goals.ListMilestones)
		api.POST("/goals/:id/roadmap", RequirePermission(rbac.PermissionPlanRoadmap), h.Goals.StartRoadmap)

		api.GET("/tasks", RequirePermission(rbac.PermissionReadTask), h.Tasks.ListTasks)
		api.POST("/tasks", RequirePermission(rbac.PermissionCreateTask), h.Tasks.CreateTask)
		api.PATCH("/tasks/:id", RequirePermission(rbac.PermissionUpdateTask), h.Tasks.UpdateTask)
		api.DELETE("/tasks/:id", RequirePermission(rbac.PermissionDeleteTask), h.Tasks.DeleteTask)

		api.POST("/recurrence-rules", RequirePermission(rbac.PermissionManageRule), h.Rules.CreateRule)
		api.GET("/recurrence-rules", RequirePermission(rbac.PermissionReadRule), h.Rules.ListRules)
		api.POST("/recurrence-rules/:id/pause", RequirePermission(rbac.PermissionManageRule), h.Rules.PauseRule)

		if h.Ops != nil {
			ops := api.Group("/ops", RequirePermission(rbac.PermissionOperate))
			ops.POST("/materialize", h.Ops.Materialize)
			ops.POST("/milestones/:id/tasks", h.Ops.Regenerate)
		}
	}

	return r
}
