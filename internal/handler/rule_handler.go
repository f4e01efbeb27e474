package handler

import (
	"net/http"

	"goalpath/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type RuleHandler struct {
	svc    *service.Service
	logger *zap.Logger
}

func NewRuleHandler(svc *service.Service, logger *zap.Logger) *RuleHandler {
	return &RuleHandler{svc: svc, logger: logger}
}

type createRuleRequest struct {
	Title       string `json:"title" binding:"required"`
	Description string `json:"description"`
	Pattern     string `json:"pattern" binding:"required"`
	AnchorDate  string `json:"anchor_date"`
	EndDate     string `json:"end_date"`
	GoalID      string `json:"goal_id"`
}

// CreateRule handles POST /api/v1/recurrence-rules
func (h *RuleHandler) CreateRule(c *gin.Context) {
	var req createRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	anchor, err := parseDate(req.AnchorDate)
	if err != nil {
		respondError(c, h.logger, "CreateRule", err)
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		respondError(c, h.logger, "CreateRule", err)
		return
	}
	rule, err := h.svc.CreateRecurrenceRule(c.Request.Context(), userID(c), service.CreateRuleInput{
		Title:       req.Title,
		Description: req.Description,
		Pattern:     req.Pattern,
		AnchorDate:  anchor,
		EndDate:     end,
		GoalID:      req.GoalID,
	})
	if err != nil {
		respondError(c, h.logger, "CreateRule", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"recurrence_rule": rule})
}

// ListRules handles GET /api/v1/recurrence-rules
func (h *RuleHandler) ListRules(c *gin.Context) {
	rules, err := h.svc.ListRecurrenceRules(c.Request.Context(), userID(c))
	if err != nil {
		respondError(c, h.logger, "ListRules", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recurrence_rules": rules})
}

// PauseRule handles POST /api/v1/recurrence-rules/:id/pause
func (h *RuleHandler) PauseRule(c *gin.Context) {
	rule, err := h.svc.PauseRecurrenceRule(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "PauseRule", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recurrence_rule": rule})
}
