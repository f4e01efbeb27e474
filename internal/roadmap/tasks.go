package roadmap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/planner"
	"goalpath/pkg/logger"

	"go.uber.org/zap"
)

// MilestoneSourceKey is the idempotency key of the n-th generated task of a milestone.
func MilestoneSourceKey(milestoneID string, n int) string {
	return fmt.Sprintf("milestone:%s:%d", milestoneID, n)
}

// GenerateTasks asks the coach for the initial task batch of an active
// milestone and persists it. It is a no-op when the milestone already has
// tasks, so it can be re-driven freely. It returns the number of tasks created.
func (p *Pipeline) GenerateTasks(ctx context.Context, milestoneID string) (int, error) {
	m, err := p.store.Milestones.Get(ctx, milestoneID)
	if err != nil {
		return 0, err
	}
	log := logger.WithTrace(ctx, p.logger).With(
		zap.String("goal_id", m.GoalID),
		zap.String("milestone_id", m.ID),
		zap.String("user_id", m.UserID),
	)
	if m.Status != model.MilestoneActive {
		return 0, model.Conflictf("milestone %s is %s, not active", m.ID, m.Status)
	}

	existing, err := p.store.Tasks.ListByMilestone(ctx, m.ID)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		p.markGeneration(ctx, m, model.TaskGenReady)
		log.Debug("Milestone already has tasks", zap.Int("tasks", len(existing)))
		return 0, nil
	}

	goal, err := p.store.Goals.Get(ctx, m.GoalID)
	if err != nil {
		return 0, err
	}

	created := 0
	err = p.stage(ctx, StageGenerateInitialTasks, func(ctx context.Context) error {
		proposals, err := p.planner.ProposeTasks(ctx, milestoneContext(goal, m))
		if err != nil {
			return err
		}
		if len(proposals) == 0 {
			return model.Upstream("propose_tasks", errors.New("coach returned no tasks"))
		}
		n, err := p.persistTasks(ctx, m, proposals)
		created += n
		return err
	})
	if err != nil {
		p.markGeneration(ctx, m, model.TaskGenFailed)
		log.Error("Task generation failed", zap.Error(err))
		p.emit(context.WithoutCancel(ctx), events.Event{
			RoutingKey:    events.MilestoneTasksMissing,
			AggregateType: events.AggregateMilestone,
			AggregateID:   m.ID,
			Payload: events.MilestonePayload{
				GoalID:      m.GoalID,
				MilestoneID: m.ID,
				UserID:      m.UserID,
				Sequence:    m.Sequence,
				Reason:      err.Error(),
				OccurredAt:  p.now(),
			},
		})
		return created, err
	}

	p.markGeneration(ctx, m, model.TaskGenReady)
	log.Info("Milestone tasks generated", zap.Int("tasks", created))
	return created, nil
}

// persistTasks writes proposals keyed by position. Tasks already written by
// an earlier attempt or a concurrent caller are skipped.
func (p *Pipeline) persistTasks(ctx context.Context, m *model.Milestone, proposals []planner.TaskProposal) (int, error) {
	today := dateOf(p.now())
	created := 0
	for i, prop := range proposals {
		t := &model.Task{
			ID:          model.NewID(),
			UserID:      m.UserID,
			GoalID:      model.StringPtr(m.GoalID),
			MilestoneID: model.StringPtr(m.ID),
			Title:       prop.Title,
			Description: prop.Description,
			Status:      model.TaskPending,
			SourceKey:   MilestoneSourceKey(m.ID, i+1),
		}
		if prop.DueInDays > 0 {
			due := today.AddDate(0, 0, prop.DueInDays)
			t.DueDate = &due
		}
		if err := p.store.Tasks.Create(ctx, t); err != nil {
			if errors.Is(err, model.ErrDuplicate) {
				continue
			}
			return created, err
		}
		created++
	}
	return created, nil
}

// markGeneration moves task_generation to `to` from whatever it currently is.
// Losing the race means another caller already recorded an outcome.
func (p *Pipeline) markGeneration(ctx context.Context, m *model.Milestone, to model.TaskGeneration) {
	ctx = context.WithoutCancel(ctx)
	cur, err := p.store.Milestones.Get(ctx, m.ID)
	if err != nil || cur.TaskGeneration == to {
		return
	}
	if cur.TaskGeneration == model.TaskGenReady && to == model.TaskGenFailed {
		return
	}
	if err := p.store.Milestones.TransitionTaskGeneration(ctx, m.ID, cur.TaskGeneration, to); err != nil {
		logger.WithTrace(ctx, p.logger).Debug("Task generation state not updated",
			zap.String("milestone_id", m.ID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
	}
}

func milestoneContext(g *model.Goal, m *model.Milestone) planner.MilestoneContext {
	return planner.MilestoneContext{
		Goal:         goalContext(g),
		MilestoneID:  m.ID,
		Sequence:     m.Sequence,
		Title:        m.Title,
		Description:  m.Description,
		DurationDays: m.DurationDays,
	}
}

func dateOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}
