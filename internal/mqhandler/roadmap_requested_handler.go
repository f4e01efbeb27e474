package mqhandler

import (
	"context"
	"encoding/json"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/pkg/logger"
	"goalpath/pkg/trace"
	"goalpath/pkg/util"

	"go.uber.org/zap"
)

type RoadmapRunner interface {
	Run(ctx context.Context, goalID, runID string) error
}

// RoadmapRequestedHandler runs the pipeline for roadmap.requested.
type RoadmapRequestedHandler struct {
	runner  RoadmapRunner
	deduper *util.Deduper
	logger  *zap.Logger
}

func NewRoadmapRequestedHandler(runner RoadmapRunner, deduper *util.Deduper, logger *zap.Logger) *RoadmapRequestedHandler {
	return &RoadmapRequestedHandler{runner: runner, deduper: deduper, logger: logger}
}

func (h *RoadmapRequestedHandler) Handle(ctx context.Context, raw json.RawMessage) error {
	var p events.RoadmapRequestedPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		h.logger.Error("Failed to unmarshal RoadmapRequestedPayload", zap.Error(err))
		return err
	}
	if p.TraceID != "" && trace.FromContext(ctx) == "" {
		ctx = trace.WithContext(ctx, p.TraceID)
	}
	log := logger.WithTrace(ctx, h.logger)
	log.Info("Handling roadmap.requested event",
		zap.String("goal_id", p.GoalID),
		zap.String("run_id", p.RunID),
	)
	if p.GoalID == "" || p.RunID == "" {
		return model.Validationf("roadmap.requested requires goal_id and run_id")
	}

	// Only a finished run is recorded. A delivery that died mid-run leaves
	// nothing behind, so its redelivery runs again; Run itself skips runs
	// that no longer own the roadmap.
	key := p.GoalID + ":" + p.RunID
	if h.deduper != nil && h.deduper.Done(ctx, events.RoadmapRequested, key) {
		return nil
	}
	if err := h.runner.Run(ctx, p.GoalID, p.RunID); err != nil {
		return err
	}
	if h.deduper != nil {
		h.deduper.MarkDone(ctx, events.RoadmapRequested, key)
	}
	return nil
}
