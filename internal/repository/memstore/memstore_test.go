package memstore

import (
	"context"
	"testing"
	"time"

	"goalpath/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(s string) time.Time {
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestGoalRoadmapClaimIsExclusive(t *testing.T) {
	ctx := context.Background()
	store := New().Store()
	g := &model.Goal{ID: "g1", UserID: "u1", Title: "Run a marathon", Status: model.GoalNotStarted, RoadmapStatus: model.RoadmapNone}
	require.NoError(t, store.Goals.Create(ctx, g))

	epoch := time.Time{}
	require.NoError(t, store.Goals.ClaimRoadmap(ctx, "g1", "run-a", epoch))
	err := store.Goals.ClaimRoadmap(ctx, "g1", "run-b", epoch)
	assert.ErrorIs(t, err, model.ErrConflict)

	// Only the owning run may move the roadmap forward.
	err = store.Goals.TransitionRoadmap(ctx, "g1", "run-b", model.RoadmapGenerating, model.RoadmapReady)
	assert.ErrorIs(t, err, model.ErrConflict)
	require.NoError(t, store.Goals.TransitionRoadmap(ctx, "g1", "run-a", model.RoadmapGenerating, model.RoadmapFailed))

	// Failed roadmaps can be claimed again.
	require.NoError(t, store.Goals.ClaimRoadmap(ctx, "g1", "run-c", epoch))
	got, err := store.Goals.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, model.RoadmapGenerating, got.RoadmapStatus)
	assert.Equal(t, "run-c", got.RoadmapRunID)
	assert.Equal(t, int64(4), got.Version)
}

func TestStaleRoadmapClaimCanBeTakenOver(t *testing.T) {
	ctx := context.Background()
	db := New()
	store := db.Store()
	claimedAt := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	db.SetClock(func() time.Time { return claimedAt })
	require.NoError(t, store.Goals.Create(ctx, &model.Goal{ID: "g1", UserID: "u1", Status: model.GoalNotStarted, RoadmapStatus: model.RoadmapNone}))
	require.NoError(t, store.Goals.ClaimRoadmap(ctx, "g1", "run-a", claimedAt))

	// Claimed exactly at the cutoff is still live.
	err := store.Goals.ClaimRoadmap(ctx, "g1", "run-b", claimedAt)
	assert.ErrorIs(t, err, model.ErrConflict)

	takenAt := claimedAt.Add(time.Hour)
	db.SetClock(func() time.Time { return takenAt })
	require.NoError(t, store.Goals.ClaimRoadmap(ctx, "g1", "run-b", claimedAt.Add(time.Second)))

	got, err := store.Goals.Get(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, "run-b", got.RoadmapRunID)
	require.NotNil(t, got.RoadmapClaimedAt)
	assert.True(t, takenAt.Equal(*got.RoadmapClaimedAt))

	// The displaced run can no longer finish the roadmap.
	err = store.Goals.TransitionRoadmap(ctx, "g1", "run-a", model.RoadmapGenerating, model.RoadmapReady)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestGuardedWriteDistinguishesMissingFromConflict(t *testing.T) {
	ctx := context.Background()
	store := New().Store()

	err := store.Goals.TransitionStatus(ctx, "missing", model.GoalNotStarted, model.GoalInProgress)
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, store.Goals.Create(ctx, &model.Goal{ID: "g1", UserID: "u1", Status: model.GoalInProgress, RoadmapStatus: model.RoadmapNone}))
	err = store.Goals.TransitionStatus(ctx, "g1", model.GoalNotStarted, model.GoalInProgress)
	assert.ErrorIs(t, err, model.ErrConflict)
}

func TestMilestoneBatchKeepsExistingSequences(t *testing.T) {
	ctx := context.Background()
	store := New().Store()
	first := []model.Milestone{
		{ID: "m1", GoalID: "g1", Sequence: 1, Title: "Base", Status: model.MilestoneActive, TaskGeneration: model.TaskGenPending},
		{ID: "m2", GoalID: "g1", Sequence: 2, Title: "Build", Status: model.MilestoneLocked, TaskGeneration: model.TaskGenPending},
	}
	require.NoError(t, store.Milestones.CreateBatch(ctx, first))

	second := []model.Milestone{
		{ID: "x1", GoalID: "g1", Sequence: 1, Title: "Other", Status: model.MilestoneActive},
		{ID: "m3", GoalID: "g1", Sequence: 3, Title: "Peak", Status: model.MilestoneLocked},
	}
	require.NoError(t, store.Milestones.CreateBatch(ctx, second))

	list, err := store.Milestones.ListByGoal(ctx, "g1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "Base", list[0].Title)
	assert.Equal(t, []int{1, 2, 3}, []int{list[0].Sequence, list[1].Sequence, list[2].Sequence})

	m, err := store.Milestones.GetBySequence(ctx, "g1", 3)
	require.NoError(t, err)
	assert.Equal(t, "m3", m.ID)
}

func TestListStalledGeneration(t *testing.T) {
	ctx := context.Background()
	db := New()
	clock := day("2026-03-01")
	db.SetClock(func() time.Time { return clock })
	store := db.Store()

	require.NoError(t, store.Milestones.CreateBatch(ctx, []model.Milestone{
		{ID: "old", GoalID: "g1", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenPending},
		{ID: "locked", GoalID: "g1", Sequence: 2, Status: model.MilestoneLocked, TaskGeneration: model.TaskGenPending},
	}))
	clock = clock.Add(time.Hour)
	require.NoError(t, store.Milestones.CreateBatch(ctx, []model.Milestone{
		{ID: "fresh", GoalID: "g2", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenPending},
		{ID: "failed", GoalID: "g3", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenFailed},
	}))

	stalled, err := store.Milestones.ListStalledGeneration(ctx, day("2026-03-01").Add(30*time.Minute), 10)
	require.NoError(t, err)
	ids := []string{}
	for _, m := range stalled {
		ids = append(ids, m.ID)
	}
	assert.ElementsMatch(t, []string{"old", "failed"}, ids)
}

func TestTaskSourceKeyAndVersionGuard(t *testing.T) {
	ctx := context.Background()
	store := New().Store()

	t1 := &model.Task{ID: "t1", UserID: "u1", Status: model.TaskPending, SourceKey: "rule:r1:2026-03-01"}
	require.NoError(t, store.Tasks.Create(ctx, t1))
	assert.Equal(t, int64(1), t1.Version)

	dup := &model.Task{ID: "t2", UserID: "u1", Status: model.TaskPending, SourceKey: "rule:r1:2026-03-01"}
	assert.ErrorIs(t, store.Tasks.Create(ctx, dup), model.ErrDuplicate)

	updated, err := store.Tasks.UpdateStatus(ctx, "t1", 1, model.TaskCompleted)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.NotNil(t, updated.CompletedAt)

	_, err = store.Tasks.UpdateStatus(ctx, "t1", 1, model.TaskPending)
	assert.ErrorIs(t, err, model.ErrConflict)

	reopened, err := store.Tasks.UpdateStatus(ctx, "t1", 2, model.TaskPending)
	require.NoError(t, err)
	assert.Nil(t, reopened.CompletedAt)

	// Deleting frees the key.
	assert.ErrorIs(t, store.Tasks.Delete(ctx, "t1", "someone-else"), model.ErrNotFound)
	require.NoError(t, store.Tasks.Delete(ctx, "t1", "u1"))
	require.NoError(t, store.Tasks.Create(ctx, dup))
}

func TestTaskFilter(t *testing.T) {
	ctx := context.Background()
	store := New().Store()
	due := day("2026-03-02")
	require.NoError(t, store.Tasks.Create(ctx, &model.Task{ID: "a", UserID: "u1", GoalID: model.StringPtr("g1"), MilestoneID: model.StringPtr("m1"), Status: model.TaskPending}))
	require.NoError(t, store.Tasks.Create(ctx, &model.Task{ID: "b", UserID: "u1", GoalID: model.StringPtr("g1"), Status: model.TaskCompleted, DueDate: &due}))
	require.NoError(t, store.Tasks.Create(ctx, &model.Task{ID: "c", UserID: "u2", Status: model.TaskPending}))

	all, err := store.Tasks.ListByUser(ctx, "u1", model.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "b", all[0].ID, "dated tasks sort first")

	byMilestone, err := store.Tasks.ListByUser(ctx, "u1", model.TaskFilter{MilestoneID: "m1"})
	require.NoError(t, err)
	require.Len(t, byMilestone, 1)

	done, err := store.Tasks.ListByUser(ctx, "u1", model.TaskFilter{GoalID: "g1", Status: model.TaskCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "b", done[0].ID)
}

func TestAdvanceMaterializedOnlyForward(t *testing.T) {
	ctx := context.Background()
	store := New().Store()
	rule := &model.RecurrenceRule{
		ID: "r1", UserID: "u1", IsActive: true,
		Pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day("2026-03-01")},
	}
	require.NoError(t, store.Recurrences.Create(ctx, rule))

	require.NoError(t, store.Recurrences.AdvanceMaterialized(ctx, "r1", nil, day("2026-03-05")))
	// Stale expectation.
	assert.ErrorIs(t, store.Recurrences.AdvanceMaterialized(ctx, "r1", nil, day("2026-03-06")), model.ErrConflict)
	// Backwards.
	last := day("2026-03-05")
	assert.ErrorIs(t, store.Recurrences.AdvanceMaterialized(ctx, "r1", &last, day("2026-03-04")), model.ErrConflict)
	require.NoError(t, store.Recurrences.AdvanceMaterialized(ctx, "r1", &last, day("2026-03-07")))

	got, err := store.Recurrences.Get(ctx, "r1")
	require.NoError(t, err)
	assert.True(t, got.LastMaterializedDate.Equal(day("2026-03-07")))
}

func TestListActiveSkipsExhaustedAndPaused(t *testing.T) {
	ctx := context.Background()
	store := New().Store()
	end := day("2026-03-03")
	last := day("2026-03-03")
	pattern := model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day("2026-03-01")}

	require.NoError(t, store.Recurrences.Create(ctx, &model.RecurrenceRule{ID: "live", UserID: "u1", IsActive: true, Pattern: pattern}))
	require.NoError(t, store.Recurrences.Create(ctx, &model.RecurrenceRule{ID: "paused", UserID: "u1", IsActive: true, Pattern: pattern}))
	ended := pattern
	ended.EndDate = &end
	require.NoError(t, store.Recurrences.Create(ctx, &model.RecurrenceRule{ID: "ended", UserID: "u1", IsActive: true, Pattern: ended}))
	require.NoError(t, store.Recurrences.AdvanceMaterialized(ctx, "ended", nil, last))
	require.NoError(t, store.Recurrences.SetActive(ctx, "paused", "u1", false))

	active, err := store.Recurrences.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "live", active[0].ID)
}
