package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/recurrence"
	"goalpath/internal/repository/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRequester struct {
	mu   sync.Mutex
	ids  []string
	fail map[string]bool
}

func (f *fakeRequester) RequestTasks(_ context.Context, milestoneID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[milestoneID] {
		return errors.New("broker unavailable")
	}
	f.ids = append(f.ids, milestoneID)
	return nil
}

type fakeMaterializer struct {
	asOf []time.Time
}

func (f *fakeMaterializer) RunOnce(_ context.Context, asOf time.Time) (*recurrence.Report, error) {
	f.asOf = append(f.asOf, asOf)
	return &recurrence.Report{AsOf: asOf}, nil
}

func at(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNewRejectsBadSchedule(t *testing.T) {
	_, err := New(&fakeMaterializer{}, memstore.New().Store().Milestones, &fakeRequester{},
		Config{MaterializeSchedule: "every tuesday"}, zap.NewNop())
	assert.Error(t, err)
}

func TestTodayUsesConfiguredTimezone(t *testing.T) {
	loc := time.FixedZone("JST", 9*60*60)
	m := &fakeMaterializer{}
	r, err := New(m, memstore.New().Store().Milestones, &fakeRequester{},
		Config{MaterializeSchedule: "5 0 * * *", Location: loc}, zap.NewNop())
	require.NoError(t, err)

	// 20:00 UTC on the 14th is already the 15th in Tokyo.
	r.now = func() time.Time { return at("2026-03-14T20:00:00Z") }
	assert.Equal(t, "2026-03-15", r.Today().Format(time.DateOnly))

	r.materializeJob()
	require.Len(t, m.asOf, 1)
	assert.Equal(t, "2026-03-15", m.asOf[0].Format(time.DateOnly))
}

func TestRedrivePicksFailedAndLongPending(t *testing.T) {
	ctx := context.Background()
	db := memstore.New()
	clock := at("2026-03-01T08:00:00Z")
	db.SetClock(func() time.Time { return clock })
	store := db.Store()

	require.NoError(t, store.Milestones.CreateBatch(ctx, []model.Milestone{
		{ID: "stale", GoalID: "g1", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenPending},
		{ID: "failed", GoalID: "g2", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenFailed},
		{ID: "locked", GoalID: "g1", Sequence: 2, Status: model.MilestoneLocked, TaskGeneration: model.TaskGenPending},
	}))
	clock = clock.Add(time.Hour)
	require.NoError(t, store.Milestones.CreateBatch(ctx, []model.Milestone{
		{ID: "fresh", GoalID: "g3", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenPending},
	}))

	req := &fakeRequester{}
	r, err := New(&fakeMaterializer{}, store.Milestones, req, Config{Grace: 20 * time.Minute}, zap.NewNop())
	require.NoError(t, err)
	r.now = func() time.Time { return clock.Add(5 * time.Minute) }

	n, err := r.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"stale", "failed"}, req.ids)
}

func TestRedriveContinuesPastRequestFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New().Store()
	require.NoError(t, store.Milestones.CreateBatch(ctx, []model.Milestone{
		{ID: "a", GoalID: "g1", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenFailed},
		{ID: "b", GoalID: "g2", Sequence: 1, Status: model.MilestoneActive, TaskGeneration: model.TaskGenFailed},
	}))

	req := &fakeRequester{fail: map[string]bool{"a": true}}
	r, err := New(&fakeMaterializer{}, store.Milestones, req, Config{}, zap.NewNop())
	require.NoError(t, err)

	n, err := r.Redrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"b"}, req.ids)
}

func TestEventRequesterEmitsTasksRequested(t *testing.T) {
	sink := &events.Recorder{}
	require.NoError(t, NewEventRequester(sink).RequestTasks(context.Background(), "m1"))

	got := sink.Events()
	require.Len(t, got, 1)
	assert.Equal(t, events.MilestoneTasksRequested, got[0].RoutingKey)
	assert.Equal(t, "m1", got[0].AggregateID)
}

func TestStartStop(t *testing.T) {
	r, err := New(&fakeMaterializer{}, memstore.New().Store().Milestones, &fakeRequester{},
		Config{MaterializeSchedule: "@daily", RedriveSchedule: "@every 10m"}, zap.NewNop())
	require.NoError(t, err)
	r.Start(context.Background())
	select {
	case <-r.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("runner did not stop")
	}
}
