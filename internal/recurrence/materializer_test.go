package recurrence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/repository"
	"goalpath/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	store *repository.Store
	sink  *events.Recorder
	mat   *Materializer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memstore.New().Store()
	sink := &events.Recorder{}
	return &env{
		store: store,
		sink:  sink,
		mat:   NewMaterializer(store, sink, Config{Concurrency: 4}, zap.NewNop()),
	}
}

func (e *env) rule(t *testing.T, id, expr string, anchor time.Time) *model.RecurrenceRule {
	t.Helper()
	p, err := Parse(expr, anchor)
	require.NoError(t, err)
	rr := &model.RecurrenceRule{ID: id, UserID: "user-1", Title: "Stretch " + id, Pattern: p, IsActive: true}
	require.NoError(t, e.store.Recurrences.Create(context.Background(), rr))
	return rr
}

func (e *env) dueDates(t *testing.T, ruleID string) []string {
	t.Helper()
	tasks, err := e.store.Tasks.ListByUser(context.Background(), "user-1", model.TaskFilter{})
	require.NoError(t, err)
	var out []string
	for _, task := range tasks {
		if model.Deref(task.RecurrenceRuleID) == ruleID {
			out = append(out, task.DueDate.Format(time.DateOnly))
		}
	}
	return out
}

func (e *env) last(t *testing.T, ruleID string) string {
	t.Helper()
	rr, err := e.store.Recurrences.Get(context.Background(), ruleID)
	require.NoError(t, err)
	if rr.LastMaterializedDate == nil {
		return ""
	}
	return rr.LastMaterializedDate.Format(time.DateOnly)
}

func TestRunOnceIsIdempotent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rule(t, "r1", "daily", day(2025, 10, 1))

	rep, err := e.mat.RunOnce(ctx, day(2025, 10, 3))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TasksCreated)
	assert.Equal(t, 1, rep.RulesAdvanced)
	assert.Equal(t, "2025-10-03", e.last(t, "r1"))

	rep, err = e.mat.RunOnce(ctx, day(2025, 10, 3))
	require.NoError(t, err)
	assert.Zero(t, rep.TasksCreated)
	assert.Empty(t, rep.Failures)
	assert.ElementsMatch(t, []string{"2025-10-01", "2025-10-02", "2025-10-03"}, e.dueDates(t, "r1"))
}

func TestRunOnceCatchesUpSkippedDays(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rule(t, "r1", "daily", day(2025, 10, 1))

	_, err := e.mat.RunOnce(ctx, day(2025, 10, 1))
	require.NoError(t, err)
	rep, err := e.mat.RunOnce(ctx, day(2025, 10, 4))
	require.NoError(t, err)
	assert.Equal(t, 3, rep.TasksCreated)
	assert.Len(t, e.dueDates(t, "r1"), 4)
}

// flakyTasks fails Create for one due date.
type flakyTasks struct {
	repository.TaskRepository
	mu      sync.Mutex
	failDue string
}

func (f *flakyTasks) Create(ctx context.Context, t *model.Task) error {
	f.mu.Lock()
	fail := t.DueDate != nil && t.DueDate.Format(time.DateOnly) == f.failDue
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.TaskRepository.Create(ctx, t)
}

func (f *flakyTasks) heal() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failDue = ""
}

func TestFailedOccurrenceBlocksAdvanceAndIsRetried(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	flaky := &flakyTasks{TaskRepository: e.store.Tasks, failDue: "2025-10-02"}
	e.store.Tasks = flaky
	e.rule(t, "r1", "daily", day(2025, 10, 1))
	e.rule(t, "r2", "weekly", day(2025, 10, 1))

	rep, err := e.mat.RunOnce(ctx, day(2025, 10, 3))
	require.NoError(t, err)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, "r1", rep.Failures[0].RuleID)
	assert.Equal(t, "", e.last(t, "r1"))
	assert.Equal(t, "2025-10-03", e.last(t, "r2"), "other rules are unaffected")
	assert.Equal(t, 1, e.sink.Count(events.RecurrenceRuleFailed))

	flaky.heal()
	rep, err = e.mat.RunOnce(ctx, day(2025, 10, 3))
	require.NoError(t, err)
	assert.Empty(t, rep.Failures)
	assert.Equal(t, 1, rep.TasksCreated)
	assert.Equal(t, 2, rep.DuplicatesSkipped)
	assert.Equal(t, "2025-10-03", e.last(t, "r1"))
	assert.ElementsMatch(t, []string{"2025-10-01", "2025-10-02", "2025-10-03"}, e.dueDates(t, "r1"))
}

func TestOverlappingRunsProduceOneTaskSet(t *testing.T) {
	e := newEnv(t)
	e.rule(t, "r1", "daily", day(2025, 10, 1))

	var wg sync.WaitGroup
	reports := make([]*Report, 4)
	for i := range reports {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rep, err := e.mat.RunOnce(context.Background(), day(2025, 10, 5))
			if err == nil {
				reports[i] = rep
			}
		}(i)
	}
	wg.Wait()

	for _, rep := range reports {
		require.NotNil(t, rep)
		assert.Empty(t, rep.Failures)
	}
	assert.Len(t, e.dueDates(t, "r1"), 5)
	assert.Equal(t, "2025-10-05", e.last(t, "r1"))
}

func TestEndedAndPausedRulesAreSkipped(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	end := day(2025, 10, 2)
	p, err := Normalize(model.RecurrencePattern{Frequency: model.FrequencyDaily, Anchor: day(2025, 10, 1), EndDate: &end})
	require.NoError(t, err)
	require.NoError(t, e.store.Recurrences.Create(ctx, &model.RecurrenceRule{ID: "ending", UserID: "user-1", Title: "x", Pattern: p, IsActive: true}))
	e.rule(t, "paused", "daily", day(2025, 10, 1))
	require.NoError(t, e.store.Recurrences.SetActive(ctx, "paused", "user-1", false))

	rep, err := e.mat.RunOnce(ctx, day(2025, 10, 5))
	require.NoError(t, err)
	assert.Equal(t, 1, rep.RulesScanned)
	assert.Equal(t, []string{"2025-10-01", "2025-10-02"}, e.dueDates(t, "ending"))
	assert.Empty(t, e.dueDates(t, "paused"))

	rep, err = e.mat.RunOnce(ctx, day(2025, 10, 9))
	require.NoError(t, err)
	assert.Zero(t, rep.RulesScanned)
}

func TestRuleTasksCarrySourceKeyAndGoal(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	p, err := Parse("monthly", day(2025, 1, 31))
	require.NoError(t, err)
	require.NoError(t, e.store.Recurrences.Create(ctx, &model.RecurrenceRule{
		ID: "rm", UserID: "user-1", GoalID: model.StringPtr("g1"), Title: "Budget review", Pattern: p, IsActive: true,
	}))

	_, err = e.mat.RunOnce(ctx, day(2025, 3, 31))
	require.NoError(t, err)

	tasks, err := e.store.Tasks.ListByUser(ctx, "user-1", model.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	keys := map[string]bool{}
	for _, task := range tasks {
		keys[task.SourceKey] = true
		assert.Equal(t, "g1", model.Deref(task.GoalID))
		assert.Nil(t, task.MilestoneID)
	}
	assert.True(t, keys[RuleSourceKey("rm", day(2025, 2, 28))])
}

func TestFirstRunBackfillIsBounded(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.rule(t, "old", "daily", day(1900, 1, 1))
	asOf := day(2025, 10, 10)

	rep, err := e.mat.RunOnce(ctx, asOf)
	require.NoError(t, err)
	assert.Equal(t, BackfillDays+1, rep.TasksCreated)

	dates := e.dueDates(t, "old")
	require.Len(t, dates, BackfillDays+1)
	assert.Contains(t, dates, asOf.AddDate(0, 0, -BackfillDays).Format(time.DateOnly))
	assert.NotContains(t, dates, asOf.AddDate(0, 0, -BackfillDays-1).Format(time.DateOnly))
	assert.Equal(t, "2025-10-10", e.last(t, "old"))
}
