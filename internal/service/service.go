// Package service implements the request-level operations behind the HTTP
// API. Ownership is enforced here: an entity owned by another user is
// reported as not found.
package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"goalpath/internal/cache"
	"goalpath/internal/model"
	"goalpath/internal/progression"
	"goalpath/internal/recurrence"
	"goalpath/internal/repository"
	"goalpath/internal/roadmap"
	"goalpath/pkg/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	maxTitleLen       = 200
	maxDescriptionLen = 4000
	taskWriteRetries  = 3
)

// RoadmapStarter claims a roadmap run for a goal.
type RoadmapStarter interface {
	Start(ctx context.Context, goalID string) (*roadmap.Handle, error)
}

// Cascader reacts to task writes.
type Cascader interface {
	OnTaskMutated(ctx context.Context, taskID string, newStatus model.TaskStatus) *progression.Result
	OnTaskRemoved(ctx context.Context, task *model.Task) *progression.Result
}

type Service struct {
	store    *repository.Store
	roadmaps RoadmapStarter
	launcher roadmap.Launcher
	engine   Cascader
	cache    cache.Cache
	logger   *zap.Logger
	now      func() time.Time
}

func New(store *repository.Store, roadmaps RoadmapStarter, launcher roadmap.Launcher, engine Cascader, c cache.Cache, logger *zap.Logger) *Service {
	if c == nil {
		c = cache.Passthrough{}
	}
	return &Service{
		store:    store,
		roadmaps: roadmaps,
		launcher: launcher,
		engine:   engine,
		cache:    c,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *Service) log(ctx context.Context) *zap.Logger {
	return logger.WithTrace(ctx, s.logger)
}

// ---- goals ----

type CreateGoalInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
	WithRoadmap bool       `json:"with_roadmap"`
}

// CreateGoal stores a new goal and, when asked, starts its roadmap. The
// returned goal carries the roadmap status as of the response.
func (s *Service) CreateGoal(ctx context.Context, userID string, in CreateGoalInput) (*model.Goal, error) {
	title, err := validateText(in.Title, in.Description)
	if err != nil {
		return nil, err
	}
	g := &model.Goal{
		ID:            model.NewID(),
		UserID:        userID,
		Title:         title,
		Description:   strings.TrimSpace(in.Description),
		TargetDate:    in.TargetDate,
		Status:        model.GoalNotStarted,
		RoadmapStatus: model.RoadmapNone,
	}
	if err := s.store.Goals.Create(ctx, g); err != nil {
		return nil, err
	}
	s.cache.Invalidate(ctx, userID)
	s.log(ctx).Info("Goal created", zap.String("goal_id", g.ID), zap.String("user_id", userID))

	if !in.WithRoadmap {
		return g, nil
	}
	if _, err := s.startRoadmap(ctx, g); err != nil {
		// The goal exists either way; the caller sees the roadmap status.
		s.log(ctx).Error("Failed to start roadmap", zap.String("goal_id", g.ID), zap.Error(err))
	}
	return s.store.Goals.Get(ctx, g.ID)
}

func (s *Service) GetGoals(ctx context.Context, userID string) ([]model.Goal, error) {
	return s.cache.Goals(ctx, userID, func(ctx context.Context) ([]model.Goal, error) {
		return s.store.Goals.ListByUser(ctx, userID)
	})
}

// StartRoadmap starts, or re-starts after a failure, the roadmap of an existing goal.
func (s *Service) StartRoadmap(ctx context.Context, userID, goalID string) (*roadmap.Handle, error) {
	g, err := s.ownedGoal(ctx, userID, goalID)
	if err != nil {
		return nil, err
	}
	return s.startRoadmap(ctx, g)
}

func (s *Service) startRoadmap(ctx context.Context, g *model.Goal) (*roadmap.Handle, error) {
	h, err := s.roadmaps.Start(ctx, g.ID)
	if err != nil {
		return nil, err
	}
	if h.Existing {
		return h, nil
	}
	s.cache.Invalidate(ctx, g.UserID, g.ID)
	if err := s.launcher.Launch(ctx, h); err != nil {
		// Nothing will run this claim; release it so the goal can be retried.
		if terr := s.store.Goals.TransitionRoadmap(ctx, g.ID, h.RunID, model.RoadmapGenerating, model.RoadmapFailed); terr != nil {
			s.log(ctx).Error("Failed to release roadmap claim", zap.String("goal_id", g.ID), zap.Error(terr))
		}
		h.Status = model.RoadmapFailed
		return h, err
	}
	return h, nil
}

func (s *Service) GetMilestones(ctx context.Context, userID, goalID string) ([]model.Milestone, error) {
	return s.cache.Milestones(ctx, userID, goalID, func(ctx context.Context) ([]model.Milestone, error) {
		if _, err := s.ownedGoal(ctx, userID, goalID); err != nil {
			return nil, err
		}
		return s.store.Milestones.ListByGoal(ctx, goalID)
	})
}

func (s *Service) ownedGoal(ctx context.Context, userID, goalID string) (*model.Goal, error) {
	g, err := s.store.Goals.Get(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if g.UserID != userID {
		return nil, model.NotFoundf("goal %s", goalID)
	}
	return g, nil
}

// ---- tasks ----

func (s *Service) GetTasks(ctx context.Context, userID string, filter model.TaskFilter) ([]model.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, model.Validationf("unknown task status %q", filter.Status)
	}
	return s.store.Tasks.ListByUser(ctx, userID, filter)
}

type CreateTaskInput struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	GoalID      string     `json:"goal_id,omitempty"`
	MilestoneID string     `json:"milestone_id,omitempty"`
}

// CreateTask adds a user task. Tasks may not be attached to a locked
// milestone; attaching one to a completed milestone reopens it.
func (s *Service) CreateTask(ctx context.Context, userID string, in CreateTaskInput) (*model.Task, error) {
	title, err := validateText(in.Title, in.Description)
	if err != nil {
		return nil, err
	}
	goalID := in.GoalID
	var milestone *model.Milestone
	if in.MilestoneID != "" {
		milestone, err = s.store.Milestones.Get(ctx, in.MilestoneID)
		if err != nil {
			return nil, err
		}
		if milestone.UserID != userID {
			return nil, model.NotFoundf("milestone %s", in.MilestoneID)
		}
		if milestone.Status == model.MilestoneLocked {
			return nil, model.Validationf("milestone %s is locked", milestone.ID)
		}
		if goalID != "" && goalID != milestone.GoalID {
			return nil, model.Validationf("milestone %s does not belong to goal %s", milestone.ID, goalID)
		}
		goalID = milestone.GoalID
	} else if goalID != "" {
		if _, err := s.ownedGoal(ctx, userID, goalID); err != nil {
			return nil, err
		}
	}

	t := &model.Task{
		ID:          model.NewID(),
		UserID:      userID,
		GoalID:      model.StringPtr(goalID),
		MilestoneID: model.StringPtr(in.MilestoneID),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Status:      model.TaskPending,
		DueDate:     in.DueDate,
	}
	if err := s.store.Tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	s.log(ctx).Info("Task created",
		zap.String("task_id", t.ID),
		zap.String("user_id", userID),
		zap.String("milestone_id", in.MilestoneID),
	)
	if milestone != nil && milestone.Status == model.MilestoneCompleted {
		res := s.engine.OnTaskMutated(ctx, t.ID, t.Status)
		s.invalidate(ctx, res)
	}
	return t, nil
}

type UpdateTaskInput struct {
	Status model.TaskStatus `json:"status"`
}

type UpdateTaskResult struct {
	Task        *model.Task         `json:"task"`
	Progression *progression.Result `json:"progression,omitempty"`
}

// UpdateTask writes the new status, then runs the cascade. Cascade problems
// are reported in the result and never fail the call.
func (s *Service) UpdateTask(ctx context.Context, userID, taskID string, in UpdateTaskInput) (*UpdateTaskResult, error) {
	if !in.Status.Valid() {
		return nil, model.Validationf("unknown task status %q", in.Status)
	}

	var updated *model.Task
	unchanged := false
	policy := backoff.WithContext(backoff.WithMaxRetries(&backoff.ZeroBackOff{}, taskWriteRetries), ctx)
	err := backoff.Retry(func() error {
		cur, err := s.ownedTask(ctx, userID, taskID)
		if err != nil {
			return backoff.Permanent(err)
		}
		if cur.Status == in.Status {
			updated, unchanged = cur, true
			return nil
		}
		updated, err = s.store.Tasks.UpdateStatus(ctx, taskID, cur.Version, in.Status)
		if err != nil && !errors.Is(err, model.ErrConflict) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
	if err != nil {
		return nil, err
	}
	// An unchanged status may be the retry of a write whose cascade never
	// ran, so the cascade runs either way. It is idempotent.
	if !unchanged {
		s.log(ctx).Info("Task status updated",
			zap.String("task_id", taskID),
			zap.String("user_id", userID),
			zap.String("status", string(in.Status)),
		)
	}
	res := s.engine.OnTaskMutated(ctx, taskID, in.Status)
	s.invalidate(ctx, res)
	return &UpdateTaskResult{Task: updated, Progression: res}, nil
}

// DeleteTask removes a task and re-evaluates its milestone from the tasks left.
func (s *Service) DeleteTask(ctx context.Context, userID, taskID string) (*progression.Result, error) {
	t, err := s.ownedTask(ctx, userID, taskID)
	if err != nil {
		return nil, err
	}
	if err := s.store.Tasks.Delete(ctx, taskID, userID); err != nil {
		return nil, err
	}
	s.log(ctx).Info("Task deleted", zap.String("task_id", taskID), zap.String("user_id", userID))
	res := s.engine.OnTaskRemoved(ctx, t)
	s.invalidate(ctx, res)
	return res, nil
}

func (s *Service) ownedTask(ctx context.Context, userID, taskID string) (*model.Task, error) {
	t, err := s.store.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, model.NotFoundf("task %s", taskID)
	}
	return t, nil
}

func (s *Service) invalidate(ctx context.Context, res *progression.Result) {
	if res == nil || !res.Cascaded {
		return
	}
	s.cache.Invalidate(ctx, res.UserID, res.GoalID)
}

// ---- recurrence rules ----

type CreateRuleInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// Pattern is the shorthand understood by recurrence.Parse, e.g. "weekly wednesday".
	Pattern    string     `json:"pattern"`
	AnchorDate *time.Time `json:"anchor_date,omitempty"`
	EndDate    *time.Time `json:"end_date,omitempty"`
	GoalID     string     `json:"goal_id,omitempty"`
}

func (s *Service) CreateRecurrenceRule(ctx context.Context, userID string, in CreateRuleInput) (*model.RecurrenceRule, error) {
	title, err := validateText(in.Title, in.Description)
	if err != nil {
		return nil, err
	}
	anchor := s.now()
	if in.AnchorDate != nil {
		anchor = *in.AnchorDate
		if recurrence.Date(anchor).Before(recurrence.Date(s.now()).AddDate(0, 0, -recurrence.BackfillDays)) {
			return nil, model.Validationf("anchor date may be at most %d days in the past", recurrence.BackfillDays)
		}
	}
	pattern, err := recurrence.Parse(in.Pattern, anchor)
	if err != nil {
		return nil, err
	}
	if in.EndDate != nil {
		pattern.EndDate = in.EndDate
		if pattern, err = recurrence.Normalize(pattern); err != nil {
			return nil, err
		}
	}
	if in.GoalID != "" {
		if _, err := s.ownedGoal(ctx, userID, in.GoalID); err != nil {
			return nil, err
		}
	}

	rr := &model.RecurrenceRule{
		ID:          model.NewID(),
		UserID:      userID,
		GoalID:      model.StringPtr(in.GoalID),
		Title:       title,
		Description: strings.TrimSpace(in.Description),
		Pattern:     pattern,
		IsActive:    true,
	}
	if err := s.store.Recurrences.Create(ctx, rr); err != nil {
		return nil, err
	}
	s.log(ctx).Info("Recurrence rule created",
		zap.String("recurrence_rule_id", rr.ID),
		zap.String("user_id", userID),
		zap.String("pattern", in.Pattern),
	)
	return rr, nil
}

func (s *Service) ListRecurrenceRules(ctx context.Context, userID string) ([]model.RecurrenceRule, error) {
	return s.store.Recurrences.ListByUser(ctx, userID)
}

// PauseRecurrenceRule stops a rule from producing further tasks.
func (s *Service) PauseRecurrenceRule(ctx context.Context, userID, ruleID string) (*model.RecurrenceRule, error) {
	if err := s.store.Recurrences.SetActive(ctx, ruleID, userID, false); err != nil {
		return nil, err
	}
	s.log(ctx).Info("Recurrence rule paused", zap.String("recurrence_rule_id", ruleID), zap.String("user_id", userID))
	return s.store.Recurrences.Get(ctx, ruleID)
}

func validateText(title, description string) (string, error) {
	title = strings.TrimSpace(title)
	switch {
	case title == "":
		return "", model.Validationf("title is required")
	case len(title) > maxTitleLen:
		return "", model.Validationf("title exceeds %d characters", maxTitleLen)
	case len(description) > maxDescriptionLen:
		return "", model.Validationf("description exceeds %d characters", maxDescriptionLen)
	}
	return title, nil
}
