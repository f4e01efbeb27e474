package repository

import (
	"context"
	"time"

	"goalpath/internal/model"
)

// Every conditional write below returns model.ErrConflict when the guard does
// not hold and model.ErrNotFound when the row is absent. Guards are keyed on
// the field being transitioned so two racing writers cannot both succeed.

type GoalRepository interface {
	Get(ctx context.Context, goalID string) (*model.Goal, error)
	ListByUser(ctx context.Context, userID string) ([]model.Goal, error)
	Create(ctx context.Context, g *model.Goal) error
	// TransitionStatus sets status to `to` only while it is still `from`.
	TransitionStatus(ctx context.Context, goalID string, from, to model.GoalStatus) error
	// ClaimRoadmap moves roadmap_status none|failed -> generating and records
	// runID with the claim time. A generating claim taken before staleBefore
	// is abandoned and may be taken over.
	ClaimRoadmap(ctx context.Context, goalID, runID string, staleBefore time.Time) error
	// TransitionRoadmap moves roadmap_status from -> to for the run that owns it.
	TransitionRoadmap(ctx context.Context, goalID, runID string, from, to model.RoadmapStatus) error
	Delete(ctx context.Context, goalID, userID string) error
}

type MilestoneRepository interface {
	Get(ctx context.Context, milestoneID string) (*model.Milestone, error)
	// ListByGoal returns the roadmap ordered by sequence.
	ListByGoal(ctx context.Context, goalID string) ([]model.Milestone, error)
	GetBySequence(ctx context.Context, goalID string, sequence int) (*model.Milestone, error)
	// CreateBatch writes a whole roadmap in one transaction. Rows whose
	// (goal_id, sequence) already exist are left untouched.
	CreateBatch(ctx context.Context, milestones []model.Milestone) error
	TransitionStatus(ctx context.Context, milestoneID string, from, to model.MilestoneStatus) error
	TransitionTaskGeneration(ctx context.Context, milestoneID string, from, to model.TaskGeneration) error
	// ListStalledGeneration returns active milestones whose task batch failed,
	// or has been pending since before pendingBefore.
	ListStalledGeneration(ctx context.Context, pendingBefore time.Time, limit int) ([]model.Milestone, error)
}

type TaskRepository interface {
	Get(ctx context.Context, taskID string) (*model.Task, error)
	ListByUser(ctx context.Context, userID string, filter model.TaskFilter) ([]model.Task, error)
	ListByMilestone(ctx context.Context, milestoneID string) ([]model.Task, error)
	// Create returns model.ErrDuplicate when a task with the same SourceKey exists.
	Create(ctx context.Context, t *model.Task) error
	// UpdateStatus writes the new status only if the task is still at expectedVersion.
	UpdateStatus(ctx context.Context, taskID string, expectedVersion int64, to model.TaskStatus) (*model.Task, error)
	Delete(ctx context.Context, taskID, userID string) error
}

type RecurrenceRuleRepository interface {
	Get(ctx context.Context, ruleID string) (*model.RecurrenceRule, error)
	ListByUser(ctx context.Context, userID string) ([]model.RecurrenceRule, error)
	// ListActive returns active rules that may still produce occurrences.
	ListActive(ctx context.Context) ([]model.RecurrenceRule, error)
	Create(ctx context.Context, r *model.RecurrenceRule) error
	// AdvanceMaterialized sets last_materialized_date to `to` only while it
	// still equals expected and only forwards.
	AdvanceMaterialized(ctx context.Context, ruleID string, expected *time.Time, to time.Time) error
	SetActive(ctx context.Context, ruleID, userID string, active bool) error
}

// Store bundles the four ports so binaries can swap backends in one place.
type Store struct {
	Goals       GoalRepository
	Milestones  MilestoneRepository
	Tasks       TaskRepository
	Recurrences RecurrenceRuleRepository
}
