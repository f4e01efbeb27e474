// Package memstore is an in-process implementation of the repository ports.
// It honours the same guard semantics as the PostgreSQL repositories and is
// used by tests and by the "memory" storage backend.
package memstore

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"goalpath/internal/model"
	"goalpath/internal/repository"
)

// DB holds every table behind one mutex, so each call is atomic.
type DB struct {
	mu         sync.Mutex
	now        func() time.Time
	goals      map[string]*model.Goal
	milestones map[string]*model.Milestone
	tasks      map[string]*model.Task
	rules      map[string]*model.RecurrenceRule
	sourceKeys map[string]string
}

func New() *DB {
	return &DB{
		now:        time.Now,
		goals:      map[string]*model.Goal{},
		milestones: map[string]*model.Milestone{},
		tasks:      map[string]*model.Task{},
		rules:      map[string]*model.RecurrenceRule{},
		sourceKeys: map[string]string{},
	}
}

// SetClock overrides the timestamp source. Used by tests that age rows.
func (db *DB) SetClock(now func() time.Time) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.now = now
}

// Store exposes the DB through the repository ports.
func (db *DB) Store() *repository.Store {
	return &repository.Store{
		Goals:       &goalRepo{db},
		Milestones:  &milestoneRepo{db},
		Tasks:       &taskRepo{db},
		Recurrences: &ruleRepo{db},
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ---- goals ----

type goalRepo struct{ db *DB }

func copyGoal(g *model.Goal) *model.Goal {
	c := *g
	c.TargetDate = cloneTime(g.TargetDate)
	c.RoadmapClaimedAt = cloneTime(g.RoadmapClaimedAt)
	return &c
}

func (r *goalRepo) Get(_ context.Context, goalID string) (*model.Goal, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	g, ok := r.db.goals[goalID]
	if !ok {
		return nil, model.NotFoundf("goal %s", goalID)
	}
	return copyGoal(g), nil
}

func (r *goalRepo) ListByUser(_ context.Context, userID string) ([]model.Goal, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	goals := []model.Goal{}
	for _, g := range r.db.goals {
		if g.UserID == userID {
			goals = append(goals, *copyGoal(g))
		}
	}
	sort.Slice(goals, func(i, j int) bool {
		if goals[i].CreatedAt.Equal(goals[j].CreatedAt) {
			return goals[i].ID > goals[j].ID
		}
		return goals[i].CreatedAt.After(goals[j].CreatedAt)
	})
	return goals, nil
}

func (r *goalRepo) Create(_ context.Context, g *model.Goal) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.goals[g.ID]; ok {
		return model.ErrDuplicate
	}
	now := r.db.now()
	g.Version, g.CreatedAt, g.UpdatedAt = 1, now, now
	r.db.goals[g.ID] = copyGoal(g)
	return nil
}

func (r *goalRepo) mutate(goalID string, guard func(*model.Goal) bool, apply func(*model.Goal)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	g, ok := r.db.goals[goalID]
	if !ok {
		return model.NotFoundf("goal %s", goalID)
	}
	if !guard(g) {
		return model.Conflictf("goals %s", goalID)
	}
	apply(g)
	g.Version++
	g.UpdatedAt = r.db.now()
	return nil
}

func (r *goalRepo) TransitionStatus(_ context.Context, goalID string, from, to model.GoalStatus) error {
	return r.mutate(goalID,
		func(g *model.Goal) bool { return g.Status == from },
		func(g *model.Goal) { g.Status = to },
	)
}

func (r *goalRepo) ClaimRoadmap(_ context.Context, goalID, runID string, staleBefore time.Time) error {
	return r.mutate(goalID,
		func(g *model.Goal) bool { return g.RoadmapClaimable(staleBefore) },
		func(g *model.Goal) {
			now := r.db.now()
			g.RoadmapStatus = model.RoadmapGenerating
			g.RoadmapRunID = runID
			g.RoadmapClaimedAt = &now
		},
	)
}

func (r *goalRepo) TransitionRoadmap(_ context.Context, goalID, runID string, from, to model.RoadmapStatus) error {
	return r.mutate(goalID,
		func(g *model.Goal) bool { return g.RoadmapRunID == runID && g.RoadmapStatus == from },
		func(g *model.Goal) { g.RoadmapStatus = to },
	)
}

func (r *goalRepo) Delete(_ context.Context, goalID, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	g, ok := r.db.goals[goalID]
	if !ok || g.UserID != userID {
		return model.NotFoundf("goal %s", goalID)
	}
	delete(r.db.goals, goalID)
	for id, m := range r.db.milestones {
		if m.GoalID == goalID {
			delete(r.db.milestones, id)
		}
	}
	for id, t := range r.db.tasks {
		if model.Deref(t.GoalID) == goalID {
			r.db.dropTask(id)
		}
	}
	for _, rr := range r.db.rules {
		if model.Deref(rr.GoalID) == goalID {
			rr.GoalID = nil
		}
	}
	return nil
}

// ---- milestones ----

type milestoneRepo struct{ db *DB }

func copyMilestone(m *model.Milestone) *model.Milestone {
	c := *m
	return &c
}

func (r *milestoneRepo) Get(_ context.Context, milestoneID string) (*model.Milestone, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.milestones[milestoneID]
	if !ok {
		return nil, model.NotFoundf("milestone %s", milestoneID)
	}
	return copyMilestone(m), nil
}

func (r *milestoneRepo) ListByGoal(_ context.Context, goalID string) ([]model.Milestone, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Milestone
	for _, m := range r.db.milestones {
		if m.GoalID == goalID {
			out = append(out, *copyMilestone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (r *milestoneRepo) GetBySequence(_ context.Context, goalID string, sequence int) (*model.Milestone, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, m := range r.db.milestones {
		if m.GoalID == goalID && m.Sequence == sequence {
			return copyMilestone(m), nil
		}
	}
	return nil, model.NotFoundf("milestone %s#%d", goalID, sequence)
}

func (r *milestoneRepo) CreateBatch(_ context.Context, milestones []model.Milestone) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	now := r.db.now()
	for _, m := range milestones {
		if r.db.hasSequence(m.GoalID, m.Sequence) {
			continue
		}
		c := m
		c.Version, c.CreatedAt, c.UpdatedAt = 1, now, now
		r.db.milestones[c.ID] = &c
	}
	return nil
}

func (db *DB) hasSequence(goalID string, seq int) bool {
	for _, m := range db.milestones {
		if m.GoalID == goalID && m.Sequence == seq {
			return true
		}
	}
	return false
}

func (r *milestoneRepo) mutate(id string, guard func(*model.Milestone) bool, apply func(*model.Milestone)) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	m, ok := r.db.milestones[id]
	if !ok {
		return model.NotFoundf("milestone %s", id)
	}
	if !guard(m) {
		return model.Conflictf("milestones %s", id)
	}
	apply(m)
	m.Version++
	m.UpdatedAt = r.db.now()
	return nil
}

func (r *milestoneRepo) TransitionStatus(_ context.Context, milestoneID string, from, to model.MilestoneStatus) error {
	return r.mutate(milestoneID,
		func(m *model.Milestone) bool { return m.Status == from },
		func(m *model.Milestone) { m.Status = to },
	)
}

func (r *milestoneRepo) TransitionTaskGeneration(_ context.Context, milestoneID string, from, to model.TaskGeneration) error {
	return r.mutate(milestoneID,
		func(m *model.Milestone) bool { return m.TaskGeneration == from },
		func(m *model.Milestone) { m.TaskGeneration = to },
	)
}

func (r *milestoneRepo) ListStalledGeneration(_ context.Context, pendingBefore time.Time, limit int) ([]model.Milestone, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Milestone
	for _, m := range r.db.milestones {
		if m.Status != model.MilestoneActive {
			continue
		}
		if m.TaskGeneration == model.TaskGenFailed ||
			(m.TaskGeneration == model.TaskGenPending && m.UpdatedAt.Before(pendingBefore)) {
			out = append(out, *copyMilestone(m))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ---- tasks ----

type taskRepo struct{ db *DB }

func copyTask(t *model.Task) *model.Task {
	c := *t
	c.GoalID = cloneString(t.GoalID)
	c.MilestoneID = cloneString(t.MilestoneID)
	c.RecurrenceRuleID = cloneString(t.RecurrenceRuleID)
	c.DueDate = cloneTime(t.DueDate)
	c.CompletedAt = cloneTime(t.CompletedAt)
	return &c
}

func (db *DB) dropTask(id string) {
	if t, ok := db.tasks[id]; ok && t.SourceKey != "" {
		delete(db.sourceKeys, t.SourceKey)
	}
	delete(db.tasks, id)
}

func (r *taskRepo) Get(_ context.Context, taskID string) (*model.Task, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tasks[taskID]
	if !ok {
		return nil, model.NotFoundf("task %s", taskID)
	}
	return copyTask(t), nil
}

func (r *taskRepo) ListByUser(_ context.Context, userID string, filter model.TaskFilter) ([]model.Task, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	tasks := []model.Task{}
	for _, t := range r.db.tasks {
		if t.UserID != userID {
			continue
		}
		if filter.GoalID != "" && model.Deref(t.GoalID) != filter.GoalID {
			continue
		}
		if filter.MilestoneID != "" && model.Deref(t.MilestoneID) != filter.MilestoneID {
			continue
		}
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		tasks = append(tasks, *copyTask(t))
	}
	sortTasks(tasks)
	return tasks, nil
}

func sortTasks(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i].DueDate, tasks[j].DueDate
		switch {
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		}
		return tasks[i].ID < tasks[j].ID
	})
}

func (r *taskRepo) ListByMilestone(_ context.Context, milestoneID string) ([]model.Task, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var tasks []model.Task
	for _, t := range r.db.tasks {
		if model.Deref(t.MilestoneID) == milestoneID {
			tasks = append(tasks, *copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

func (r *taskRepo) Create(_ context.Context, t *model.Task) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.tasks[t.ID]; ok {
		return model.ErrDuplicate
	}
	if t.SourceKey != "" {
		if _, ok := r.db.sourceKeys[t.SourceKey]; ok {
			return model.ErrDuplicate
		}
		r.db.sourceKeys[t.SourceKey] = t.ID
	}
	now := r.db.now()
	t.Version, t.CreatedAt, t.UpdatedAt = 1, now, now
	if t.DueDate != nil {
		d := dateOnly(*t.DueDate)
		t.DueDate = &d
	}
	r.db.tasks[t.ID] = copyTask(t)
	return nil
}

func (r *taskRepo) UpdateStatus(_ context.Context, taskID string, expectedVersion int64, to model.TaskStatus) (*model.Task, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tasks[taskID]
	if !ok {
		return nil, model.NotFoundf("task %s", taskID)
	}
	if t.Version != expectedVersion {
		return nil, model.Conflictf("tasks %s", taskID)
	}
	now := r.db.now()
	t.Status = to
	t.CompletedAt = nil
	if to == model.TaskCompleted {
		t.CompletedAt = &now
	}
	t.Version++
	t.UpdatedAt = now
	return copyTask(t), nil
}

func (r *taskRepo) Delete(_ context.Context, taskID, userID string) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	t, ok := r.db.tasks[taskID]
	if !ok || t.UserID != userID {
		return model.NotFoundf("task %s", taskID)
	}
	r.db.dropTask(taskID)
	return nil
}

// ---- recurrence rules ----

type ruleRepo struct{ db *DB }

func copyRule(rr *model.RecurrenceRule) *model.RecurrenceRule {
	c := *rr
	c.GoalID = cloneString(rr.GoalID)
	c.LastMaterializedDate = cloneTime(rr.LastMaterializedDate)
	c.Pattern.EndDate = cloneTime(rr.Pattern.EndDate)
	c.Pattern.Weekdays = slices.Clone(rr.Pattern.Weekdays)
	return &c
}

func (r *ruleRepo) Get(_ context.Context, ruleID string) (*model.RecurrenceRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rr, ok := r.db.rules[ruleID]
	if !ok {
		return nil, model.NotFoundf("recurrence rule %s", ruleID)
	}
	return copyRule(rr), nil
}

func (r *ruleRepo) ListByUser(_ context.Context, userID string) ([]model.RecurrenceRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.RecurrenceRule
	for _, rr := range r.db.rules {
		if rr.UserID == userID {
			out = append(out, *copyRule(rr))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *ruleRepo) ListActive(_ context.Context) ([]model.RecurrenceRule, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.RecurrenceRule
	for _, rr := range r.db.rules {
		if !rr.IsActive {
			continue
		}
		end, last := rr.Pattern.EndDate, rr.LastMaterializedDate
		if end != nil && last != nil && !end.After(*last) {
			continue
		}
		out = append(out, *copyRule(rr))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *ruleRepo) Create(_ context.Context, rr *model.RecurrenceRule) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.rules[rr.ID]; ok {
		return model.ErrDuplicate
	}
	now := r.db.now()
	rr.Version, rr.CreatedAt, rr.UpdatedAt = 1, now, now
	rr.Pattern.Anchor = dateOnly(rr.Pattern.Anchor)
	r.db.rules[rr.ID] = copyRule(rr)
	return nil
}

func (r *ruleRepo) AdvanceMaterialized(_ context.Context, ruleID string, expected *time.Time, to time.Time) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rr, ok := r.db.rules[ruleID]
	if !ok {
		return model.NotFoundf("recurrence rule %s", ruleID)
	}
	last := rr.LastMaterializedDate
	to = dateOnly(to)
	switch {
	case (last == nil) != (expected == nil):
		return model.Conflictf("recurrence_rules %s", ruleID)
	case last != nil && !dateOnly(*last).Equal(dateOnly(*expected)):
		return model.Conflictf("recurrence_rules %s", ruleID)
	case last != nil && !dateOnly(*last).Before(to):
		return model.Conflictf("recurrence_rules %s", ruleID)
	}
	rr.LastMaterializedDate = &to
	rr.Version++
	rr.UpdatedAt = r.db.now()
	return nil
}

func (r *ruleRepo) SetActive(_ context.Context, ruleID, userID string, active bool) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	rr, ok := r.db.rules[ruleID]
	if !ok || rr.UserID != userID {
		return model.NotFoundf("recurrence rule %s", ruleID)
	}
	rr.IsActive = active
	rr.Version++
	rr.UpdatedAt = r.db.now()
	return nil
}
