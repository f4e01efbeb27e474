// Package progression cascades Task status changes into Milestone and Goal
// transitions. Every transition is a guarded compare-and-swap on the entity's
// persisted state, so duplicate or out-of-order triggers are harmless.
package progression

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/repository"
	"goalpath/pkg/logger"
	"goalpath/pkg/metrics"
	"goalpath/pkg/otel"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	EntityGoal      = "goal"
	EntityMilestone = "milestone"
)

const (
	stepLoadTask      = "load_task"
	stepActivateGoal  = "activate_goal"
	stepMilestone     = "evaluate_milestone"
	stepAdvance       = "advance"
	stepCompleteGoal  = "complete_goal"
	stepReopenGoal    = "reopen_goal"
	stepGenerateTasks = "generate_tasks"
)

// TaskGenerator produces the initial task batch of a newly active milestone.
type TaskGenerator interface {
	GenerateTasks(ctx context.Context, milestoneID string) (int, error)
}

type Config struct {
	// ConflictRetries bounds how often a lost read-decide-write race is retried.
	ConflictRetries uint64
}

type Transition struct {
	Entity string `json:"entity"`
	ID     string `json:"id"`
	From   string `json:"from"`
	To     string `json:"to"`
}

// Result reports what a cascade changed. Partial is set when some step
// failed; the triggering task write is unaffected either way.
type Result struct {
	TaskID         string       `json:"task_id"`
	UserID         string       `json:"user_id,omitempty"`
	GoalID         string       `json:"goal_id,omitempty"`
	MilestoneID    string       `json:"milestone_id,omitempty"`
	Cascaded       bool         `json:"cascaded"`
	Transitions    []Transition `json:"transitions,omitempty"`
	TasksGenerated int          `json:"tasks_generated,omitempty"`
	Partial        bool         `json:"partial"`
	Errors         []string     `json:"errors,omitempty"`
}

func (r *Result) record(entity, id, from, to string) {
	r.Cascaded = true
	r.Transitions = append(r.Transitions, Transition{Entity: entity, ID: id, From: from, To: to})
	metrics.RecordTransition(entity, to)
}

type Engine struct {
	store     *repository.Store
	generator TaskGenerator
	sink      events.Sink
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

func NewEngine(store *repository.Store, generator TaskGenerator, sink events.Sink, cfg Config, logger *zap.Logger) *Engine {
	return &Engine{
		store:     store,
		generator: generator,
		sink:      sink,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// OnTaskMutated runs the cascade for a task whose status just changed to
// newStatus. It never returns an error; failures are reported in the Result.
func (e *Engine) OnTaskMutated(ctx context.Context, taskID string, newStatus model.TaskStatus) *Result {
	ctx, span := otel.StartSpan(ctx, "progression.on_task_mutated")
	defer span.End()
	res := &Result{TaskID: taskID}

	task, err := e.store.Tasks.Get(ctx, taskID)
	if err != nil {
		e.failed(ctx, res, stepLoadTask, err)
		return res
	}
	res.UserID = task.UserID
	res.GoalID = model.Deref(task.GoalID)
	res.MilestoneID = model.Deref(task.MilestoneID)

	if res.GoalID != "" && newStatus != model.TaskPending {
		if err := e.activateGoal(ctx, res.GoalID, res); err != nil {
			e.failed(ctx, res, stepActivateGoal, err)
		}
	}
	if res.MilestoneID == "" {
		return res
	}
	e.evaluate(ctx, res)
	return res
}

// OnTaskRemoved re-evaluates the milestone of a deleted task from its
// remaining siblings.
func (e *Engine) OnTaskRemoved(ctx context.Context, task *model.Task) *Result {
	ctx, span := otel.StartSpan(ctx, "progression.on_task_removed")
	defer span.End()
	res := &Result{
		TaskID:      task.ID,
		UserID:      task.UserID,
		GoalID:      model.Deref(task.GoalID),
		MilestoneID: model.Deref(task.MilestoneID),
	}
	if res.MilestoneID == "" {
		return res
	}
	e.evaluate(ctx, res)
	return res
}

// evaluate runs the milestone read-decide-write cycle, retrying lost races.
func (e *Engine) evaluate(ctx context.Context, res *Result) {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, e.cfg.ConflictRetries), ctx)
	err := backoff.Retry(func() error {
		err := e.evaluateOnce(ctx, res)
		if err != nil && !errors.Is(err, model.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		e.failed(ctx, res, stepMilestone, err)
	}
}

func (e *Engine) evaluateOnce(ctx context.Context, res *Result) error {
	m, err := e.store.Milestones.Get(ctx, res.MilestoneID)
	if err != nil {
		return err
	}
	siblings, err := e.store.Tasks.ListByMilestone(ctx, m.ID)
	if err != nil {
		return err
	}
	if len(siblings) == 0 {
		// Nothing to judge completion by.
		return nil
	}
	allComplete := true
	for _, t := range siblings {
		if t.Status != model.TaskCompleted {
			allComplete = false
			break
		}
	}

	switch {
	case allComplete && m.Status == model.MilestoneActive:
		if err := e.store.Milestones.TransitionStatus(ctx, m.ID, model.MilestoneActive, model.MilestoneCompleted); err != nil {
			return err
		}
		res.record(EntityMilestone, m.ID, string(m.Status), string(model.MilestoneCompleted))
		e.logTransition(ctx, m, "Milestone completed")
		e.emit(ctx, events.MilestoneCompleted, m)
		e.advance(ctx, m, res)

	case allComplete && m.Status == model.MilestoneCompleted:
		// A redelivered trigger may find the milestone done but the next
		// step unfinished; advancing is idempotent.
		e.advance(ctx, m, res)

	case !allComplete && m.Status == model.MilestoneCompleted:
		if err := e.store.Milestones.TransitionStatus(ctx, m.ID, model.MilestoneCompleted, model.MilestoneActive); err != nil {
			return err
		}
		res.record(EntityMilestone, m.ID, string(m.Status), string(model.MilestoneActive))
		e.logTransition(ctx, m, "Milestone reopened")
		e.emit(ctx, events.MilestoneReopened, m)
		// The next milestone keeps its activation.
		if err := e.reopenGoal(ctx, m.GoalID, res); err != nil {
			e.failed(ctx, res, stepReopenGoal, err)
		}
	}
	return nil
}

// advance activates the next locked milestone, or completes the goal when m
// was the last one.
func (e *Engine) advance(ctx context.Context, m *model.Milestone, res *Result) {
	next, err := e.store.Milestones.GetBySequence(ctx, m.GoalID, m.Sequence+1)
	if errors.Is(err, model.ErrNotFound) {
		if err := e.completeGoal(ctx, m.GoalID, res); err != nil {
			e.failed(ctx, res, stepCompleteGoal, err)
		}
		return
	}
	if err != nil {
		e.failed(ctx, res, stepAdvance, err)
		return
	}
	if next.Status != model.MilestoneLocked {
		return
	}

	err = e.store.Milestones.TransitionStatus(ctx, next.ID, model.MilestoneLocked, model.MilestoneActive)
	if errors.Is(err, model.ErrConflict) {
		// A concurrent cascade activated it and owns generation.
		return
	}
	if err != nil {
		e.failed(ctx, res, stepAdvance, err)
		return
	}
	res.record(EntityMilestone, next.ID, string(model.MilestoneLocked), string(model.MilestoneActive))
	e.logTransition(ctx, next, "Milestone activated")
	e.emit(ctx, events.MilestoneActivated, next)

	n, err := e.generator.GenerateTasks(ctx, next.ID)
	res.TasksGenerated += n
	if err != nil {
		e.failed(ctx, res, stepGenerateTasks, err)
	}
}

func (e *Engine) activateGoal(ctx context.Context, goalID string, res *Result) error {
	return e.transitionGoal(ctx, goalID, res, func(g *model.Goal) (model.GoalStatus, bool) {
		return model.GoalInProgress, g.Status == model.GoalNotStarted
	})
}

func (e *Engine) completeGoal(ctx context.Context, goalID string, res *Result) error {
	return e.transitionGoal(ctx, goalID, res, func(g *model.Goal) (model.GoalStatus, bool) {
		return model.GoalCompleted, g.Status != model.GoalCompleted
	})
}

func (e *Engine) reopenGoal(ctx context.Context, goalID string, res *Result) error {
	return e.transitionGoal(ctx, goalID, res, func(g *model.Goal) (model.GoalStatus, bool) {
		return model.GoalInProgress, g.Status == model.GoalCompleted
	})
}

// transitionGoal applies decide to the current goal and CASes the result,
// re-reading on conflict.
func (e *Engine) transitionGoal(ctx context.Context, goalID string, res *Result, decide func(*model.Goal) (model.GoalStatus, bool)) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, e.cfg.ConflictRetries), ctx)
	return backoff.Retry(func() error {
		g, err := e.store.Goals.Get(ctx, goalID)
		if err != nil {
			return backoff.Permanent(err)
		}
		to, ok := decide(g)
		if !ok {
			return nil
		}
		if err := e.store.Goals.TransitionStatus(ctx, goalID, g.Status, to); err != nil {
			if errors.Is(err, model.ErrConflict) {
				return err
			}
			return backoff.Permanent(err)
		}
		res.record(EntityGoal, goalID, string(g.Status), string(to))
		logger.WithTrace(ctx, e.logger).Info("Goal status changed",
			zap.String("goal_id", goalID),
			zap.String("user_id", g.UserID),
			zap.String("from", string(g.Status)),
			zap.String("to", string(to)),
		)
		if to == model.GoalCompleted {
			e.emitEvent(ctx, events.Event{
				RoutingKey:    events.GoalCompleted,
				AggregateType: events.AggregateGoal,
				AggregateID:   goalID,
				Payload:       events.GoalPayload{GoalID: goalID, UserID: g.UserID, OccurredAt: e.now()},
			})
		}
		return nil
	}, policy)
}

// failed records a swallowed cascade failure on every out-of-band channel.
func (e *Engine) failed(ctx context.Context, res *Result, step string, err error) {
	res.Partial = true
	res.Errors = append(res.Errors, fmt.Sprintf("%s: %v", step, err))
	metrics.RecordCascadeFailure(step)
	logger.WithTrace(ctx, e.logger).Error("Cascade step failed",
		zap.String("step", step),
		zap.String("task_id", res.TaskID),
		zap.String("milestone_id", res.MilestoneID),
		zap.String("user_id", res.UserID),
		zap.Error(err),
	)
	e.emitEvent(ctx, events.Event{
		RoutingKey:    events.CascadeFailed,
		AggregateType: events.AggregateTask,
		AggregateID:   res.TaskID,
		Payload: events.CascadeFailedPayload{
			TaskID:      res.TaskID,
			UserID:      res.UserID,
			MilestoneID: res.MilestoneID,
			Step:        step,
			Error:       err.Error(),
			OccurredAt:  e.now(),
		},
	})
}

func (e *Engine) logTransition(ctx context.Context, m *model.Milestone, msg string) {
	logger.WithTrace(ctx, e.logger).Info(msg,
		zap.String("goal_id", m.GoalID),
		zap.String("milestone_id", m.ID),
		zap.String("user_id", m.UserID),
		zap.Int("sequence", m.Sequence),
	)
}

func (e *Engine) emit(ctx context.Context, routingKey string, m *model.Milestone) {
	e.emitEvent(ctx, events.Event{
		RoutingKey:    routingKey,
		AggregateType: events.AggregateMilestone,
		AggregateID:   m.ID,
		Payload: events.MilestonePayload{
			GoalID:      m.GoalID,
			MilestoneID: m.ID,
			UserID:      m.UserID,
			Sequence:    m.Sequence,
			OccurredAt:  e.now(),
		},
	})
}

func (e *Engine) emitEvent(ctx context.Context, ev events.Event) {
	if err := e.sink.Emit(context.WithoutCancel(ctx), ev); err != nil {
		logger.WithTrace(ctx, e.logger).Error("Failed to emit event",
			zap.String("routing_key", ev.RoutingKey),
			zap.String("aggregate_id", ev.AggregateID),
			zap.Error(err),
		)
	}
}
