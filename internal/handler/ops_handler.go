package handler

import (
	"context"
	"net/http"
	"time"

	"goalpath/internal/recurrence"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Materializer interface {
	RunOnce(ctx context.Context, asOf time.Time) (*recurrence.Report, error)
}

type TaskGenerator interface {
	GenerateTasks(ctx context.Context, milestoneID string) (int, error)
}

// OpsHandler exposes the batch jobs to operators.
type OpsHandler struct {
	materializer Materializer
	generator    TaskGenerator
	location     *time.Location
	logger       *zap.Logger
}

func NewOpsHandler(m Materializer, g TaskGenerator, loc *time.Location, logger *zap.Logger) *OpsHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &OpsHandler{materializer: m, generator: g, location: loc, logger: logger}
}

// Materialize handles POST /api/v1/ops/materialize?date=YYYY-MM-DD. The date
// defaults to today in the configured timezone.
func (h *OpsHandler) Materialize(c *gin.Context) {
	asOf := recurrence.Date(time.Now().In(h.location))
	if d, err := parseDate(c.Query("date")); err != nil {
		respondError(c, h.logger, "Materialize", err)
		return
	} else if d != nil {
		asOf = *d
	}
	report, err := h.materializer.RunOnce(c.Request.Context(), asOf)
	if err != nil {
		respondError(c, h.logger, "Materialize", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// Regenerate handles POST /api/v1/ops/milestones/:id/tasks
func (h *OpsHandler) Regenerate(c *gin.Context) {
	created, err := h.generator.GenerateTasks(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.logger, "Regenerate", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestone_id": c.Param("id"), "tasks_created": created})
}
