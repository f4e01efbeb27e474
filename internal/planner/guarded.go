package planner

import (
	"context"
	"time"

	"goalpath/internal/model"
	"goalpath/pkg/circuitbreaker"
	"goalpath/pkg/metrics"

	"go.uber.org/zap"
)

// Guarded wraps a backend with a circuit breaker, latency metrics and the
// upstream-generation error classification.
type Guarded struct {
	next    Planner
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

var _ Planner = (*Guarded)(nil)

func NewGuarded(next Planner, cfg circuitbreaker.Config, logger *zap.Logger) *Guarded {
	cfg.OnStateChange = func(from, to circuitbreaker.State) {
		logger.Warn("Planner circuit breaker changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}
	return &Guarded{
		next:    next,
		breaker: circuitbreaker.NewCircuitBreaker(cfg),
		logger:  logger,
	}
}

func (g *Guarded) ProposeMilestones(ctx context.Context, goal GoalContext) ([]MilestoneProposal, error) {
	var out []MilestoneProposal
	err := g.call(ctx, "propose_milestones", func(ctx context.Context) error {
		var err error
		out, err = g.next.ProposeMilestones(ctx, goal)
		return err
	})
	return out, err
}

func (g *Guarded) ProposeTasks(ctx context.Context, milestone MilestoneContext) ([]TaskProposal, error) {
	var out []TaskProposal
	err := g.call(ctx, "propose_tasks", func(ctx context.Context) error {
		var err error
		out, err = g.next.ProposeTasks(ctx, milestone)
		return err
	})
	return out, err
}

func (g *Guarded) call(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	err := g.breaker.Execute(ctx, fn)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.RecordPlannerCall(op, status, time.Since(start))
	if err != nil {
		g.logger.Warn("Planner call failed", zap.String("operation", op), zap.Error(err))
		return model.Upstream(op, err)
	}
	return nil
}
