package handler

import (
	"net/http"

	"goalpath/internal/model"
	"goalpath/internal/service"
	"goalpath/pkg/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type TaskHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewTaskHandler(svc *service.Service, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{svc: svc, logger: logger}
}

// ListTasks handles GET /api/v1/tasks?goal_id=&milestone_id=&status=
func (h *TaskHandler) ListTasks(c *gin.Context) {
	filter := model.TaskFilter{
		GoalID:      c.Query("goal_id"),
		MilestoneID: c.Query("milestone_id"),
		Status:      model.TaskStatus(c.Query("status")),
	}
	tasks, err := h.svc.GetTasks(c.Request.Context(), userID(c), filter)
	if err != nil {
		respondError(c, h.logger, "ListTasks", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

type createTaskRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	DueDate     string `json:"due_date"`
	GoalID      string `json:"goal_id"`
	MilestoneID string `json:"milestone_id"`
}

// CreateTask handles POST /api/v1/tasks
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	due, err := parseDate(req.DueDate)
	if err != nil {
		respondError(c, h.logger, "CreateTask", err)
		return
	}
	task, err := h.svc.CreateTask(c.Request.Context(), userID(c), service.CreateTaskInput{
		Title:       req.Title,
		Description: req.Description,
		DueDate:     due,
		GoalID:      req.GoalID,
		MilestoneID: req.MilestoneID,
	})
	if err != nil {
		respondError(c, h.logger, "CreateTask", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"task": task})
}

type updateTaskRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateTask handles PATCH /api/v1/tasks/:id. The task write is reported as
// successful even when the cascade that follows it is partial.
func (h *TaskHandler) UpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	res, err := h.svc.UpdateTask(c.Request.Context(), userID(c), c.Param("id"), service.UpdateTaskInput{
		Status: model.TaskStatus(req.Status),
	})
	if err != nil {
		respondError(c, h.logger, "UpdateTask", err)
		return
	}
	if res.Progression != nil && res.Progression.Partial {
		logger.WithTrace(c.Request.Context(), h.logger).Warn("UpdateTask: cascade partially failed",
			zap.String("task_id", res.Task.ID),
			zap.Strings("errors", res.Progression.Errors),
		)
	}
	c.JSON(http.StatusOK, res)
}

// DeleteTask handles DELETE /api/v1/tasks/:id
func (h *TaskHandler) DeleteTask(c *gin.Context) {
	res, err := h.svc.DeleteTask(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "DeleteTask", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted", "progression": res})
}
