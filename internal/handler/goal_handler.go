package handler

import (
	"net/http"

	"goalpath/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type GoalHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewGoalHandler(svc *service.Service, logger *zap.Logger) *GoalHandler {
	return &GoalHandler{svc: svc, logger: logger}
}

type createGoalRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	TargetDate  string `json:"target_date"`
	WithRoadmap bool   `json:"with_roadmap"`
}

// CreateGoal handles POST /api/v1/goals
func (h *GoalHandler) CreateGoal(c *gin.Context) {
	var req createGoalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	target, err := parseDate(req.TargetDate)
	if err != nil {
		respondError(c, h.logger, "CreateGoal", err)
		return
	}

	goal, err := h.svc.CreateGoal(c.Request.Context(), userID(c), service.CreateGoalInput{
		Title:       req.Title,
		Description: req.Description,
		TargetDate:  target,
		WithRoadmap: req.WithRoadmap,
	})
	if err != nil {
		respondError(c, h.logger, "CreateGoal", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"goal": goal})
}

// ListGoals handles GET /api/v1/goals
func (h *GoalHandler) ListGoals(c *gin.Context) {
	goals, err := h.svc.GetGoals(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, h.logger, "ListGoals", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"goals": goals})
}

// ListMilestones handles GET /api/v1/goals/:id/milestones
func (h *GoalHandler) ListMilestones(c *gin.Context) {
	milestones, err := h.svc.GetMilestones(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "ListMilestones", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": milestones})
}

// StartRoadmap handles POST /api/v1/goals/:id/roadmap
func (h *GoalHandler) StartRoadmap(c *gin.Context) {
	handle, err := h.svc.StartRoadmap(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "StartRoadmap", err)
		return
	}
	status := http.StatusAccepted
	if handle.Existing {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"roadmap": handle})
}
