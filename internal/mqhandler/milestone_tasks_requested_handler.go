package mqhandler

import (
	"context"
	"encoding/json"
	"errors"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/pkg/logger"
	"goalpath/pkg/trace"
	"goalpath/pkg/util"

	"go.uber.org/zap"
)

type TaskGenerator interface {
	GenerateTasks(ctx context.Context, milestoneID string) (int, error)
}

// MilestoneTasksRequestedHandler re-drives task generation for one milestone.
type MilestoneTasksRequestedHandler struct {
	generator TaskGenerator
	deduper   *util.Deduper
	logger    *zap.Logger
}

func NewMilestoneTasksRequestedHandler(generator TaskGenerator, deduper *util.Deduper, logger *zap.Logger) *MilestoneTasksRequestedHandler {
	return &MilestoneTasksRequestedHandler{generator: generator, deduper: deduper, logger: logger}
}

func (h *MilestoneTasksRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p events.MilestoneTasksRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal MilestoneTasksRequestedPayload", zap.Error(err))
		return err
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger).With(zap.String("milestone_id", p.MilestoneID))
	log.Info("Handling milestone.tasks.requested event")
	if p.MilestoneID == "" {
		return model.Validationf("milestone.tasks.requested requires milestone_id")
	}

	// Concurrent duplicates would only repeat the coach call.
	if h.deduper != nil && !h.deduper.AcquireOnce(ctx, events.MilestoneTasksRequested, p.MilestoneID) {
		return nil
	}
	if h.deduper != nil {
		defer h.deduper.Release(ctx, events.MilestoneTasksRequested, p.MilestoneID)
	}

	created, err := h.generator.GenerateTasks(ctx, p.MilestoneID)
	if errors.Is(err, model.ErrConflict) {
		log.Warn("Milestone is not active, dropping request", zap.Error(err))
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("Milestone tasks re-driven", zap.Int("tasks_created", created))
	return nil
}
