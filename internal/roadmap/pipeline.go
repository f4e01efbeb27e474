// Package roadmap turns a Goal into an ordered Milestone roadmap and the
// initial Task batch of its active Milestone.
package roadmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/planner"
	"goalpath/internal/repository"
	"goalpath/pkg/logger"
	"goalpath/pkg/metrics"
	"goalpath/pkg/otel"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	StageGenerateRoadmap      = "generate_roadmap"
	StagePersistMilestones    = "persist_milestones"
	StageGenerateInitialTasks = "generate_initial_tasks"
)

// finalizeTimeout bounds the writes that record a failed run after the run's
// own context has expired.
const finalizeTimeout = 10 * time.Second

type Config struct {
	StageRetries   uint64
	InitialBackoff time.Duration
	OverallTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		StageRetries:   2,
		InitialBackoff: 2 * time.Second,
		OverallTimeout: 15 * time.Minute,
	}
}

// Handle identifies one pipeline run for a goal.
type Handle struct {
	GoalID string              `json:"goal_id"`
	RunID  string              `json:"run_id"`
	Status model.RoadmapStatus `json:"roadmap_status"`
	// Existing is true when Start found a run already generating or finished.
	Existing bool `json:"existing"`
}

type Pipeline struct {
	store   *repository.Store
	planner planner.Planner
	sink    events.Sink
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
}

func NewPipeline(store *repository.Store, p planner.Planner, sink events.Sink, cfg Config, logger *zap.Logger) *Pipeline {
	if cfg.OverallTimeout <= 0 {
		cfg.OverallTimeout = DefaultConfig().OverallTimeout
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig().InitialBackoff
	}
	return &Pipeline{
		store:   store,
		planner: p,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Start claims the goal's roadmap for a new run. When a run is already
// generating, or the roadmap is ready, it returns that run's handle instead.
// A generating claim older than the overall timeout belongs to a run that
// died without recording its outcome, and is taken over.
func (p *Pipeline) Start(ctx context.Context, goalID string) (*Handle, error) {
	goal, err := p.store.Goals.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}
	staleBefore := p.staleBefore()
	if !goal.RoadmapClaimable(staleBefore) {
		return existingHandle(goal), nil
	}
	if goal.RoadmapStatus == model.RoadmapGenerating {
		logger.WithTrace(ctx, p.logger).Warn("Taking over abandoned roadmap run",
			zap.String("goal_id", goalID),
			zap.String("user_id", goal.UserID),
			zap.String("stale_run_id", goal.RoadmapRunID),
		)
	}

	runID := uuid.NewString()
	if err := p.store.Goals.ClaimRoadmap(ctx, goalID, runID, staleBefore); err != nil {
		if !errors.Is(err, model.ErrConflict) {
			return nil, err
		}
		// Lost the claim to a concurrent trigger.
		goal, err = p.store.Goals.Get(ctx, goalID)
		if err != nil {
			return nil, err
		}
		return existingHandle(goal), nil
	}

	logger.WithTrace(ctx, p.logger).Info("Roadmap generation claimed",
		zap.String("goal_id", goalID),
		zap.String("user_id", goal.UserID),
		zap.String("run_id", runID),
	)
	return &Handle{GoalID: goalID, RunID: runID, Status: model.RoadmapGenerating}, nil
}

// staleBefore is the claim time before which a generating run can no longer
// be alive: its own deadline and the write recording a failure have passed.
func (p *Pipeline) staleBefore() time.Time {
	return p.now().Add(-(p.cfg.OverallTimeout + finalizeTimeout))
}

func existingHandle(g *model.Goal) *Handle {
	return &Handle{GoalID: g.ID, RunID: g.RoadmapRunID, Status: g.RoadmapStatus, Existing: true}
}

// Execute claims and runs the pipeline in the caller's goroutine.
func (p *Pipeline) Execute(ctx context.Context, goalID string) (*Handle, error) {
	h, err := p.Start(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if h.Existing {
		return h, nil
	}
	err = p.Run(ctx, goalID, h.RunID)
	goal, gerr := p.store.Goals.Get(context.WithoutCancel(ctx), goalID)
	if gerr == nil {
		h.Status = goal.RoadmapStatus
	}
	return h, err
}

// Run executes the stages for a claimed run. A run that no longer owns the
// goal's generating roadmap is a no-op, so redelivered requests are harmless.
func (p *Pipeline) Run(ctx context.Context, goalID, runID string) error {
	start := p.now()
	ctx, cancel := context.WithTimeout(ctx, p.cfg.OverallTimeout)
	defer cancel()
	ctx, span := otel.StartSpan(ctx, "roadmap.run")
	log := logger.WithTrace(ctx, p.logger).With(zap.String("goal_id", goalID), zap.String("run_id", runID))

	goal, err := p.store.Goals.Get(ctx, goalID)
	if err != nil {
		otel.EndSpan(span, err)
		return err
	}
	if goal.RoadmapRunID != runID || goal.RoadmapStatus != model.RoadmapGenerating {
		log.Info("Roadmap run is stale, skipping",
			zap.String("owner_run_id", goal.RoadmapRunID),
			zap.String("roadmap_status", string(goal.RoadmapStatus)),
		)
		otel.EndSpan(span, nil)
		return nil
	}
	log = log.With(zap.String("user_id", goal.UserID))

	milestones, err := p.store.Milestones.ListByGoal(ctx, goalID)
	if err == nil && len(milestones) == 0 {
		milestones, err = p.buildRoadmap(ctx, goal)
	}
	if err != nil {
		p.fail(ctx, goal, runID, err)
		metrics.RecordPipelineDuration("failed", p.now().Sub(start))
		otel.EndSpan(span, err)
		return err
	}

	if err := p.store.Goals.TransitionRoadmap(ctx, goalID, runID, model.RoadmapGenerating, model.RoadmapReady); err != nil {
		p.fail(ctx, goal, runID, err)
		metrics.RecordPipelineDuration("failed", p.now().Sub(start))
		otel.EndSpan(span, err)
		return err
	}
	log.Info("Roadmap ready", zap.Int("milestones", len(milestones)))
	p.emit(ctx, events.Event{
		RoutingKey:    events.RoadmapReady,
		AggregateType: events.AggregateGoal,
		AggregateID:   goalID,
		Payload: events.RoadmapPayload{
			GoalID:     goalID,
			UserID:     goal.UserID,
			RunID:      runID,
			Milestones: len(milestones),
			OccurredAt: p.now(),
		},
	})

	result := "ready"
	if first := activeMilestone(milestones); first != nil {
		if _, err := p.GenerateTasks(ctx, first.ID); err != nil {
			// The roadmap stays ready; the milestone is left for re-drive.
			result = "degraded"
			log.Warn("Initial tasks not generated", zap.String("milestone_id", first.ID), zap.Error(err))
		}
	}
	metrics.RecordPipelineDuration(result, p.now().Sub(start))
	otel.EndSpan(span, nil)
	return nil
}

func activeMilestone(ms []model.Milestone) *model.Milestone {
	for i := range ms {
		if ms[i].Status == model.MilestoneActive {
			return &ms[i]
		}
	}
	return nil
}

// buildRoadmap runs stages 1 and 2. Stage 2 is retried on its own so a
// persistence failure never asks the planner again.
func (p *Pipeline) buildRoadmap(ctx context.Context, goal *model.Goal) ([]model.Milestone, error) {
	var proposals []planner.MilestoneProposal
	err := p.stage(ctx, StageGenerateRoadmap, func(ctx context.Context) error {
		out, err := p.planner.ProposeMilestones(ctx, goalContext(goal))
		if err != nil {
			return err
		}
		if len(out) == 0 {
			return model.Upstream("propose_milestones", errors.New("planner returned no milestones"))
		}
		proposals = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	milestones := make([]model.Milestone, len(proposals))
	for i, prop := range proposals {
		status := model.MilestoneLocked
		if i == 0 {
			status = model.MilestoneActive
		}
		milestones[i] = model.Milestone{
			ID:             model.NewID(),
			GoalID:         goal.ID,
			UserID:         goal.UserID,
			Title:          prop.Title,
			Description:    prop.Description,
			DurationDays:   prop.DurationDays,
			Sequence:       i + 1,
			Status:         status,
			TaskGeneration: model.TaskGenPending,
		}
	}

	err = p.stage(ctx, StagePersistMilestones, func(ctx context.Context) error {
		return p.store.Milestones.CreateBatch(ctx, milestones)
	})
	if err != nil {
		return nil, err
	}
	// Rows already present for a sequence were kept, so return what is stored.
	return p.store.Milestones.ListByGoal(ctx, goal.ID)
}

// stage runs fn with bounded exponential retry. Validation and not-found
// errors are not retried.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := otel.StartSpan(ctx, "roadmap."+name)
	log := logger.WithTrace(ctx, p.logger)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, p.cfg.StageRetries), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if errors.Is(err, model.ErrValidation) || errors.Is(err, model.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		metrics.RecordPipelineStage(name, "retry")
		log.Warn("Pipeline stage failed, retrying",
			zap.String("stage", name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
			err = fmt.Errorf("%w: %w", ctxErr, err)
		}
		metrics.RecordPipelineStage(name, "failed")
		otel.EndSpan(span, err)
		return fmt.Errorf("%s: %w", name, err)
	}
	metrics.RecordPipelineStage(name, "success")
	otel.EndSpan(span, nil)
	return nil
}

// fail records the run as failed. It runs on a fresh context because the
// run's context may already be past its deadline.
func (p *Pipeline) fail(ctx context.Context, goal *model.Goal, runID string, cause error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()
	log := logger.WithTrace(ctx, p.logger).With(
		zap.String("goal_id", goal.ID),
		zap.String("user_id", goal.UserID),
		zap.String("run_id", runID),
	)

	err := p.store.Goals.TransitionRoadmap(fctx, goal.ID, runID, model.RoadmapGenerating, model.RoadmapFailed)
	if err != nil {
		log.Error("Failed to mark roadmap failed", zap.Error(err), zap.NamedError("cause", cause))
		return
	}
	log.Error("Roadmap generation failed", zap.Error(cause))
	p.emit(fctx, events.Event{
		RoutingKey:    events.RoadmapFailed,
		AggregateType: events.AggregateGoal,
		AggregateID:   goal.ID,
		Payload: events.RoadmapPayload{
			GoalID:     goal.ID,
			UserID:     goal.UserID,
			RunID:      runID,
			Reason:     cause.Error(),
			OccurredAt: p.now(),
		},
	})
}

func (p *Pipeline) emit(ctx context.Context, e events.Event) {
	if err := p.sink.Emit(ctx, e); err != nil {
		logger.WithTrace(ctx, p.logger).Error("Failed to emit event",
			zap.String("routing_key", e.RoutingKey),
			zap.String("aggregate_id", e.AggregateID),
			zap.Error(err),
		)
	}
}

func goalContext(g *model.Goal) planner.GoalContext {
	return planner.GoalContext{
		GoalID:      g.ID,
		UserID:      g.UserID,
		Title:       g.Title,
		Description: g.Description,
		TargetDate:  g.TargetDate,
	}
}
