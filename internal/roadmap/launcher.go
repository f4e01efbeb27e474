package roadmap

import (
	"context"

	"goalpath/internal/events"
	"goalpath/pkg/trace"

	"go.uber.org/zap"
)

// Launcher hands a freshly claimed run to whatever executes it.
type Launcher interface {
	Launch(ctx context.Context, h *Handle) error
}

// EventLauncher publishes roadmap.requested; the MQ consumer runs the pipeline.
type EventLauncher struct {
	sink events.Sink
}

func NewEventLauncher(sink events.Sink) *EventLauncher {
	return &EventLauncher{sink: sink}
}

func (l *EventLauncher) Launch(ctx context.Context, h *Handle) error {
	return l.sink.Emit(ctx, events.Event{
		RoutingKey:    events.RoadmapRequested,
		AggregateType: events.AggregateGoal,
		AggregateID:   h.GoalID,
		Payload: events.RoadmapRequestedPayload{
			GoalID:  h.GoalID,
			RunID:   h.RunID,
			TraceID: trace.FromContext(ctx),
		},
	})
}

// LocalLauncher runs the pipeline in a background goroutine of this process.
// Used with the in-memory backend where no broker is configured.
type LocalLauncher struct {
	pipeline *Pipeline
	logger   *zap.Logger
}

func NewLocalLauncher(p *Pipeline, logger *zap.Logger) *LocalLauncher {
	return &LocalLauncher{pipeline: p, logger: logger}
}

func (l *LocalLauncher) Launch(ctx context.Context, h *Handle) error {
	ctx = context.WithoutCancel(ctx)
	go func() {
		if err := l.pipeline.Run(ctx, h.GoalID, h.RunID); err != nil {
			l.logger.Error("Roadmap run failed",
				zap.String("goal_id", h.GoalID),
				zap.String("run_id", h.RunID),
				zap.Error(err),
			)
		}
	}()
	return nil
}
