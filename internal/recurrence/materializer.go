package recurrence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goalpath/internal/events"
	"goalpath/internal/model"
	"goalpath/internal/repository"
	"goalpath/pkg/logger"
	"goalpath/pkg/metrics"
	"goalpath/pkg/otel"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RuleSourceKey is the idempotency key of a rule's occurrence on date.
func RuleSourceKey(ruleID string, date time.Time) string {
	return fmt.Sprintf("rule:%s:%s", ruleID, Date(date).Format(time.DateOnly))
}

type Config struct {
	// Concurrency bounds how many rules are processed at once.
	Concurrency int
}

type RuleFailure struct {
	RuleID string `json:"recurrence_rule_id"`
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type Report struct {
	AsOf              time.Time     `json:"as_of"`
	RulesScanned      int           `json:"rules_scanned"`
	RulesAdvanced     int           `json:"rules_advanced"`
	TasksCreated      int           `json:"tasks_created"`
	DuplicatesSkipped int           `json:"duplicates_skipped"`
	Failures          []RuleFailure `json:"failures,omitempty"`
}

type Materializer struct {
	store  *repository.Store
	sink   events.Sink
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
}

func NewMaterializer(store *repository.Store, sink events.Sink, cfg Config, logger *zap.Logger) *Materializer {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	return &Materializer{store: store, sink: sink, cfg: cfg, logger: logger, now: time.Now}
}

// RunOnce creates the tasks every active rule owes up to asOf. Re-running for
// the same date, or after a skipped day, is safe. One rule failing does not
// stop the others; the error return is reserved for failing to list rules.
func (m *Materializer) RunOnce(ctx context.Context, asOf time.Time) (*Report, error) {
	asOf = Date(asOf)
	ctx, span := otel.StartSpan(ctx, "recurrence.run_once")
	log := logger.WithTrace(ctx, m.logger).With(zap.String("as_of", asOf.Format(time.DateOnly)))

	rules, err := m.store.Recurrences.ListActive(ctx)
	if err != nil {
		otel.EndSpan(span, err)
		return nil, err
	}

	report := &Report{AsOf: asOf, RulesScanned: len(rules)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for i := range rules {
		rule := rules[i]
		g.Go(func() error {
			out := m.materialize(gctx, &rule, asOf)
			mu.Lock()
			defer mu.Unlock()
			report.TasksCreated += out.created
			report.DuplicatesSkipped += out.duplicates
			if out.advanced {
				report.RulesAdvanced++
			}
			if out.err != nil {
				report.Failures = append(report.Failures, RuleFailure{
					RuleID: rule.ID,
					UserID: rule.UserID,
					Error:  out.err.Error(),
				})
			}
			return nil
		})
	}
	_ = g.Wait()

	metrics.AddMaterializedTasks(report.TasksCreated, report.DuplicatesSkipped)
	log.Info("Materialization run finished",
		zap.Int("rules_scanned", report.RulesScanned),
		zap.Int("rules_advanced", report.RulesAdvanced),
		zap.Int("tasks_created", report.TasksCreated),
		zap.Int("duplicates_skipped", report.DuplicatesSkipped),
		zap.Int("failures", len(report.Failures)),
	)
	otel.EndSpan(span, nil)
	return report, nil
}

type ruleOutcome struct {
	created    int
	duplicates int
	advanced   bool
	err        error
}

func (m *Materializer) materialize(ctx context.Context, rule *model.RecurrenceRule, asOf time.Time) (out ruleOutcome) {
	ctx, span := otel.StartSpan(ctx, "recurrence.materialize_rule")
	span.SetAttributes(attribute.String("recurrence_rule_id", rule.ID))
	log := logger.WithTrace(ctx, m.logger).With(
		zap.String("recurrence_rule_id", rule.ID),
		zap.String("user_id", rule.UserID),
	)
	defer func() {
		if out.err != nil {
			m.ruleFailed(ctx, rule, asOf, out.err)
		}
		otel.EndSpan(span, out.err)
	}()

	last := rule.LastMaterializedDate
	if last != nil && !asOf.After(Date(*last)) {
		return out
	}

	// A rule that has never run opens its window at the anchor, but never
	// earlier than BackfillDays before asOf.
	after := last
	if after == nil {
		floor := Date(asOf).AddDate(0, 0, -BackfillDays-1)
		after = &floor
	}

	var firstErr error
	for _, d := range Occurrences(rule.Pattern, after, asOf) {
		due := d
		t := &model.Task{
			ID:               model.NewID(),
			UserID:           rule.UserID,
			GoalID:           rule.GoalID,
			Title:            rule.Title,
			Description:      rule.Description,
			Status:           model.TaskPending,
			DueDate:          &due,
			SourceKey:        RuleSourceKey(rule.ID, d),
			RecurrenceRuleID: model.StringPtr(rule.ID),
		}
		err := m.store.Tasks.Create(ctx, t)
		switch {
		case err == nil:
			out.created++
		case errors.Is(err, model.ErrDuplicate):
			out.duplicates++
		default:
			log.Warn("Failed to create occurrence", zap.Time("date", d), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("occurrence %s: %w", d.Format(time.DateOnly), err)
			}
		}
	}
	if firstErr != nil {
		// Leave last_materialized_date where it was so the gap is retried.
		out.err = firstErr
		return out
	}

	err := m.store.Recurrences.AdvanceMaterialized(ctx, rule.ID, last, asOf)
	if errors.Is(err, model.ErrConflict) {
		cur, gerr := m.store.Recurrences.Get(ctx, rule.ID)
		if gerr == nil && cur.LastMaterializedDate != nil && !Date(*cur.LastMaterializedDate).Before(asOf) {
			// An overlapping run already advanced the rule.
			log.Debug("Rule advanced by a concurrent run")
			return out
		}
	}
	if err != nil {
		out.err = fmt.Errorf("advance: %w", err)
		return out
	}
	out.advanced = true
	if out.created > 0 {
		log.Info("Recurrence rule materialized",
			zap.Int("tasks_created", out.created),
			zap.Int("duplicates_skipped", out.duplicates),
		)
	}
	return out
}

func (m *Materializer) ruleFailed(ctx context.Context, rule *model.RecurrenceRule, asOf time.Time, err error) {
	metrics.RecordRuleFailure()
	logger.WithTrace(ctx, m.logger).Error("Recurrence rule failed",
		zap.String("recurrence_rule_id", rule.ID),
		zap.String("user_id", rule.UserID),
		zap.Error(err),
	)
	ev := events.Event{
		RoutingKey:    events.RecurrenceRuleFailed,
		AggregateType: events.AggregateRule,
		AggregateID:   rule.ID,
		Payload: events.RuleFailedPayload{
			RuleID:     rule.ID,
			UserID:     rule.UserID,
			AsOf:       asOf.Format(time.DateOnly),
			Error:      err.Error(),
			OccurredAt: m.now(),
		},
	}
	if emitErr := m.sink.Emit(context.WithoutCancel(ctx), ev); emitErr != nil {
		logger.WithTrace(ctx, m.logger).Error("Failed to emit event",
			zap.String("routing_key", ev.RoutingKey),
			zap.Error(emitErr),
		)
	}
}
