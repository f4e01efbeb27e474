// Package runner schedules the batch jobs: the daily recurrence
// materialization and the re-drive of stalled task generation.
package runner

import (
	"context"
	"fmt"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/recurrence"
	"goalpath/internal/repository"
	"goalpath/pkg/logger"
	"goalpath/pkg/trace"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

type Materializer interface {
	RunOnce(ctx context.Context, asOf time.Time) (*recurrence.Report, error)
}

// TaskRequester asks for a milestone's task batch to be generated again.
type TaskRequester interface {
	RequestTasks(ctx context.Context, milestoneID string) error
}

type Config struct {
	MaterializeSchedule string
	RedriveSchedule     string
	// Grace is how long a milestone may sit in pending before it is re-driven.
	Grace               time.Duration
	Batch               int
	Location            *time.Location
}

type Runner struct {
	materializer Materializer
	milestones   repository.MilestoneRepository
	requester    TaskRequester
	cfg          Config
	cron         *cron.Cron
	logger       *zap.Logger
	now          func() time.Time

	baseCtx context.Context
}

func New(m Materializer, milestones repository.MilestoneRepository, requester TaskRequester, cfg Config, log *zap.Logger) (*Runner, error) {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Batch < 1 {
		cfg.Batch = 50
	}
	cl := cronLogger{log.Sugar()}
	r := &Runner{
		materializer: m,
		milestones:   milestones,
		requester:    requester,
		cfg:          cfg,
		logger:       log,
		now:          time.Now,
		baseCtx:      context.Background(),
		cron: cron.New(
			cron.WithLocation(cfg.Location),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if cfg.MaterializeSchedule != "" {
		if _, err := r.cron.AddFunc(cfg.MaterializeSchedule, r.materializeJob); err != nil {
			return nil, fmt.Errorf("materializer schedule %q: %w", cfg.MaterializeSchedule, err)
		}
	}
	if cfg.RedriveSchedule != "" {
		if _, err := r.cron.AddFunc(cfg.RedriveSchedule, r.redriveJob); err != nil {
			return nil, fmt.Errorf("redrive schedule %q: %w", cfg.RedriveSchedule, err)
		}
	}
	return r, nil
}

// Start runs the scheduler in the background. Jobs inherit ctx's values but
// not its cancellation; Stop waits for running jobs.
func (r *Runner) Start(ctx context.Context) {
	r.baseCtx = context.WithoutCancel(ctx)
	r.cron.Start()
	r.logger.Info("Runner started",
		zap.String("materialize_schedule", r.cfg.MaterializeSchedule),
		zap.String("redrive_schedule", r.cfg.RedriveSchedule),
		zap.String("timezone", r.cfg.Location.String()),
	)
}

// Stop stops scheduling and returns a context that is done once running jobs finish.
func (r *Runner) Stop() context.Context {
	return r.cron.Stop()
}

// Today is the calendar date the materializer should run for in the
// configured timezone.
func (r *Runner) Today() time.Time {
	return recurrence.Date(r.now().In(r.cfg.Location))
}

func (r *Runner) Materialize(ctx context.Context, asOf time.Time) (*recurrence.Report, error) {
	return r.materializer.RunOnce(ctx, asOf)
}

// Redrive requests task generation for every active milestone whose batch
// failed or has been pending longer than the grace period. It returns how
// many requests were made.
func (r *Runner) Redrive(ctx context.Context) (int, error) {
	log := logger.WithTrace(ctx, r.logger)
	stalled, err := r.milestones.ListStalledGeneration(ctx, r.now().Add(-r.cfg.Grace), r.cfg.Batch)
	if err != nil {
		return 0, err
	}
	requested := 0
	for _, m := range stalled {
		if err := r.requester.RequestTasks(ctx, m.ID); err != nil {
			log.Warn("Failed to re-drive task generation",
				zap.String("milestone_id", m.ID),
				zap.String("goal_id", m.GoalID),
				zap.Error(err),
			)
			continue
		}
		requested++
	}
	if len(stalled) > 0 {
		log.Info("Re-drove stalled task generation",
			zap.Int("stalled", len(stalled)),
			zap.Int("requested", requested),
		)
	}
	return requested, nil
}

func (r *Runner) jobContext() context.Context {
	return trace.WithContext(r.baseCtx, trace.GenerateTraceID())
}

func (r *Runner) materializeJob() {
	ctx := r.jobContext()
	if _, err := r.Materialize(ctx, r.Today()); err != nil {
		logger.WithTrace(ctx, r.logger).Error("Scheduled materialization failed", zap.Error(err))
	}
}

func (r *Runner) redriveJob() {
	ctx := r.jobContext()
	if _, err := r.Redrive(ctx); err != nil {
		logger.WithTrace(ctx, r.logger).Error("Scheduled re-drive failed", zap.Error(err))
	}
}

// EventRequester publishes milestone.tasks.requested for the server's
// consumer to pick up.
type EventRequester struct {
	sink events.Sink
}

func NewEventRequester(sink events.Sink) *EventRequester {
	return &EventRequester{sink: sink}
}

func (e *EventRequester) RequestTasks(ctx context.Context, milestoneID string) error {
	return e.sink.Emit(ctx, events.Event{
		RoutingKey:    events.MilestoneTasksRequested,
		AggregateType: events.AggregateMilestone,
		AggregateID:   milestoneID,
		Payload: events.MilestoneTasksRequestedPayload{
			MilestoneID: milestoneID,
			TraceID:     trace.FromContext(ctx),
		},
	})
}

type TaskGenerator interface {
	GenerateTasks(ctx context.Context, milestoneID string) (int, error)
}

// DirectRequester generates in-process, for deployments without a broker.
type DirectRequester struct {
	generator TaskGenerator
}

func NewDirectRequester(g TaskGenerator) *DirectRequester {
	return &DirectRequester{generator: g}
}

func (d *DirectRequester) RequestTasks(ctx context.Context, milestoneID string) error {
	_, err := d.generator.GenerateTasks(ctx, milestoneID)
	return err
}

type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
