package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"goalpath/internal/cache"
	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/planner/plannertest"
	"goalpath/internal/progression"
	"goalpath/internal/repository"
	"goalpath/internal/repository/memstore"
	"goalpath/internal/roadmap"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// syncLauncher runs the pipeline inline so tests observe its outcome.
type syncLauncher struct {
	p   *roadmap.Pipeline
	err error
}

func (l *syncLauncher) Launch(ctx context.Context, h *roadmap.Handle) error {
	if l.err != nil {
		return l.err
	}
	return l.p.Run(ctx, h.GoalID, h.RunID)
}

type testEnv struct {
	svc      *Service
	store    *repository.Store
	planner  *plannertest.Scripted
	launcher *syncLauncher
	sink     *events.Recorder
}

func setup(t *testing.T, c cache.Cache) *testEnv {
	t.Helper()
	store := memstore.New().Store()
	pl := plannertest.New(2, 2)
	sink := &events.Recorder{}
	var evSink events.Sink = sink
	if c != nil {
		evSink = cache.NewInvalidatingSink(sink, c)
	}
	pipeline := roadmap.NewPipeline(store, pl, evSink, roadmap.Config{StageRetries: 1, InitialBackoff: time.Millisecond, OverallTimeout: time.Minute}, zap.NewNop())
	engine := progression.NewEngine(store, pipeline, evSink, progression.Config{ConflictRetries: 3}, zap.NewNop())
	launcher := &syncLauncher{p: pipeline}
	return &testEnv{
		svc:      New(store, pipeline, launcher, engine, c, zap.NewNop()),
		store:    store,
		planner:  pl,
		launcher: launcher,
		sink:     sink,
	}
}

func TestCreateGoalWithRoadmap(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()

	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "  Ship a side project ", WithRoadmap: true})
	require.NoError(t, err)
	assert.Equal(t, "Ship a side project", g.Title)
	assert.Equal(t, model.RoadmapReady, g.RoadmapStatus)

	ms, err := env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	assert.Equal(t, model.MilestoneActive, ms[0].Status)

	_, err = env.svc.GetMilestones(ctx, "u2", g.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	goals, err := env.svc.GetGoals(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, goals, 1)
}

func TestCreateGoalWithoutRoadmap(t *testing.T) {
	env := setup(t, nil)
	g, err := env.svc.CreateGoal(context.Background(), "u1", CreateGoalInput{Title: "Read more"})
	require.NoError(t, err)
	assert.Equal(t, model.RoadmapNone, g.RoadmapStatus)
	calls, _ := env.planner.Calls()
	assert.Zero(t, calls)
}

func TestCreateGoalRejectsBlankTitle(t *testing.T) {
	env := setup(t, nil)
	_, err := env.svc.CreateGoal(context.Background(), "u1", CreateGoalInput{Title: "   "})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLaunchFailureReleasesClaim(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	env.launcher.err = errors.New("outbox unavailable")

	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Learn piano", WithRoadmap: true})
	require.NoError(t, err)
	assert.Equal(t, model.RoadmapFailed, g.RoadmapStatus)

	env.launcher.err = nil
	h, err := env.svc.StartRoadmap(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.False(t, h.Existing)

	got, err := env.store.Goals.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RoadmapReady, got.RoadmapStatus)

	again, err := env.svc.StartRoadmap(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.True(t, again.Existing)
}

func TestCreateTaskRespectsMilestoneLock(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Garden", WithRoadmap: true})
	require.NoError(t, err)
	ms, err := env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)

	_, err = env.svc.CreateTask(ctx, "u1", CreateTaskInput{Title: "Dig", MilestoneID: ms[1].ID})
	assert.ErrorIs(t, err, model.ErrValidation)

	task, err := env.svc.CreateTask(ctx, "u1", CreateTaskInput{Title: "Buy seeds", MilestoneID: ms[0].ID})
	require.NoError(t, err)
	assert.Equal(t, g.ID, model.Deref(task.GoalID))

	_, err = env.svc.CreateTask(ctx, "u2", CreateTaskInput{Title: "Sneak", MilestoneID: ms[0].ID})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.svc.CreateTask(ctx, "u1", CreateTaskInput{Title: "Mismatch", GoalID: "other", MilestoneID: ms[0].ID})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestUpdateTaskDrivesProgression(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Learn Go", WithRoadmap: true})
	require.NoError(t, err)
	ms, err := env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)

	tasks, err := env.svc.GetTasks(ctx, "u1", model.TaskFilter{MilestoneID: ms[0].ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	var last *UpdateTaskResult
	for _, task := range tasks {
		last, err = env.svc.UpdateTask(ctx, "u1", task.ID, UpdateTaskInput{Status: model.TaskCompleted})
		require.NoError(t, err)
		assert.Equal(t, model.TaskCompleted, last.Task.Status)
	}
	require.NotNil(t, last.Progression)
	assert.True(t, last.Progression.Cascaded)
	assert.Equal(t, 2, last.Progression.TasksGenerated)

	ms, err = env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneCompleted, ms[0].Status)
	assert.Equal(t, model.MilestoneActive, ms[1].Status)

	next, err := env.svc.GetTasks(ctx, "u1", model.TaskFilter{MilestoneID: ms[1].ID})
	require.NoError(t, err)
	assert.Len(t, next, 2)
}

func TestUpdateTaskRetryRunsMissedCascade(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Learn Go", WithRoadmap: true})
	require.NoError(t, err)
	ms, err := env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)
	tasks, err := env.svc.GetTasks(ctx, "u1", model.TaskFilter{MilestoneID: ms[0].ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	_, err = env.svc.UpdateTask(ctx, "u1", tasks[0].ID, UpdateTaskInput{Status: model.TaskCompleted})
	require.NoError(t, err)

	// The second write lands but the process dies before cascading.
	_, err = env.store.Tasks.UpdateStatus(ctx, tasks[1].ID, tasks[1].Version, model.TaskCompleted)
	require.NoError(t, err)
	m, err := env.store.Milestones.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.MilestoneActive, m.Status)

	// The client retries the same request.
	res, err := env.svc.UpdateTask(ctx, "u1", tasks[1].ID, UpdateTaskInput{Status: model.TaskCompleted})
	require.NoError(t, err)
	require.NotNil(t, res.Progression)
	assert.True(t, res.Progression.Cascaded)

	m, err = env.store.Milestones.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneCompleted, m.Status)
	next, err := env.store.Milestones.Get(ctx, ms[1].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneActive, next.Status)

	// A further retry changes nothing.
	again, err := env.svc.UpdateTask(ctx, "u1", tasks[1].ID, UpdateTaskInput{Status: model.TaskCompleted})
	require.NoError(t, err)
	assert.Equal(t, res.Task.Version, again.Task.Version)
	assert.Equal(t, 1, env.sink.Count(events.MilestoneCompleted))
}

func TestUpdateTaskErrors(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	task, err := env.svc.CreateTask(ctx, "u1", CreateTaskInput{Title: "Water plants"})
	require.NoError(t, err)

	_, err = env.svc.UpdateTask(ctx, "u1", task.ID, UpdateTaskInput{Status: "done"})
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = env.svc.UpdateTask(ctx, "u2", task.ID, UpdateTaskInput{Status: model.TaskCompleted})
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = env.svc.UpdateTask(ctx, "u1", "missing", UpdateTaskInput{Status: model.TaskCompleted})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestDeleteTaskReevaluatesMilestone(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Learn Go", WithRoadmap: true})
	require.NoError(t, err)
	ms, err := env.svc.GetMilestones(ctx, "u1", g.ID)
	require.NoError(t, err)
	tasks, err := env.svc.GetTasks(ctx, "u1", model.TaskFilter{MilestoneID: ms[0].ID})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	_, err = env.svc.UpdateTask(ctx, "u1", tasks[0].ID, UpdateTaskInput{Status: model.TaskCompleted})
	require.NoError(t, err)

	_, err = env.svc.DeleteTask(ctx, "u2", tasks[1].ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	res, err := env.svc.DeleteTask(ctx, "u1", tasks[1].ID)
	require.NoError(t, err)
	assert.True(t, res.Cascaded)

	m, err := env.store.Milestones.Get(ctx, ms[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneCompleted, m.Status)
}

func TestRecurrenceRuleLifecycle(t *testing.T) {
	env := setup(t, nil)
	ctx := context.Background()
	anchor := time.Date(2025, 10, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return anchor.Add(36 * time.Hour) }

	rr, err := env.svc.CreateRecurrenceRule(ctx, "u1", CreateRuleInput{
		Title:      "Long run",
		Pattern:    "weekly sunday",
		AnchorDate: &anchor,
		EndDate:    &end,
	})
	require.NoError(t, err)
	assert.True(t, rr.IsActive)
	assert.Equal(t, []time.Weekday{time.Sunday}, rr.Pattern.Weekdays)
	require.NotNil(t, rr.Pattern.EndDate)

	_, err = env.svc.CreateRecurrenceRule(ctx, "u1", CreateRuleInput{Title: "Bad", Pattern: "hourly"})
	assert.ErrorIs(t, err, model.ErrValidation)

	ancient := time.Date(1900, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = env.svc.CreateRecurrenceRule(ctx, "u1", CreateRuleInput{Title: "Ancient", Pattern: "daily", AnchorDate: &ancient})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = env.svc.PauseRecurrenceRule(ctx, "u2", rr.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	paused, err := env.svc.PauseRecurrenceRule(ctx, "u1", rr.ID)
	require.NoError(t, err)
	assert.False(t, paused.IsActive)

	rules, err := env.svc.ListRecurrenceRules(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, rules, 1)
}

func TestProjectionIsInvalidatedByCascade(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	env := setup(t, cache.NewProjection(rdb, time.Hour, zap.NewNop()))
	ctx := context.Background()

	g, err := env.svc.CreateGoal(ctx, "u1", CreateGoalInput{Title: "Learn Go", WithRoadmap: true})
	require.NoError(t, err)
	goals, err := env.svc.GetGoals(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, model.GoalNotStarted, goals[0].Status)

	tasks, err := env.svc.GetTasks(ctx, "u1", model.TaskFilter{GoalID: g.ID})
	require.NoError(t, err)
	_, err = env.svc.UpdateTask(ctx, "u1", tasks[0].ID, UpdateTaskInput{Status: model.TaskInProgress})
	require.NoError(t, err)

	goals, err = env.svc.GetGoals(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, model.GoalInProgress, goals[0].Status)
}
