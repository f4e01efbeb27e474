package repository

import (
	"context"
	"time"

	"goalpath/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type RecurrenceRuleRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ RecurrenceRuleRepository = (*RecurrenceRuleRepo)(nil)

func NewRecurrenceRuleRepo(db *pgxpool.Pool, logger *zap.Logger) *RecurrenceRuleRepo {
	return &RecurrenceRuleRepo{db: db, logger: logger}
}

const ruleColumns = `id, user_id, goal_id, title, description, frequency, interval_count, anchor_date,
        end_date, weekdays, day_of_month, is_active, last_materialized_date, version, created_at, updated_at`

func scanRule(row pgx.Row) (*model.RecurrenceRule, error) {
	var rr model.RecurrenceRule
	var weekdays []int32
	err := row.Scan(
		&rr.ID,
		&rr.UserID,
		&rr.GoalID,
		&rr.Title,
		&rr.Description,
		&rr.Pattern.Frequency,
		&rr.Pattern.Interval,
		&rr.Pattern.Anchor,
		&rr.Pattern.EndDate,
		&weekdays,
		&rr.Pattern.DayOfMonth,
		&rr.IsActive,
		&rr.LastMaterializedDate,
		&rr.Version,
		&rr.CreatedAt,
		&rr.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, d := range weekdays {
		rr.Pattern.Weekdays = append(rr.Pattern.Weekdays, time.Weekday(d))
	}
	return &rr, nil
}

func (r *RecurrenceRuleRepo) Get(ctx context.Context, ruleID string) (*model.RecurrenceRule, error) {
	query := `SELECT ` + ruleColumns + ` FROM recurrence_rules WHERE id = $1`
	rr, err := scanRule(r.db.QueryRow(ctx, query, ruleID))
	if err != nil {
		return nil, pgErr(err, "recurrence rule "+ruleID)
	}
	return rr, nil
}

func (r *RecurrenceRuleRepo) ListByUser(ctx context.Context, userID string) ([]model.RecurrenceRule, error) {
	query := `SELECT ` + ruleColumns + `
        FROM recurrence_rules
        WHERE user_id = $1
        ORDER BY created_at DESC`
	return r.list(ctx, query, userID)
}

func (r *RecurrenceRuleRepo) ListActive(ctx context.Context) ([]model.RecurrenceRule, error) {
	r.logger.Debug("Listing all active recurrence rules")
	query := `SELECT ` + ruleColumns + `
        FROM recurrence_rules
        WHERE is_active = TRUE
          AND (end_date IS NULL
               OR last_materialized_date IS NULL
               OR end_date > last_materialized_date)
        ORDER BY id ASC`
	return r.list(ctx, query)
}

func (r *RecurrenceRuleRepo) list(ctx context.Context, query string, args ...any) ([]model.RecurrenceRule, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to list recurrence rules", zap.Error(err))
		return nil, pgErr(err, "list recurrence rules")
	}
	defer rows.Close()

	var rules []model.RecurrenceRule
	for rows.Next() {
		rr, err := scanRule(rows)
		if err != nil {
			r.logger.Error("Failed to scan recurrence rule", zap.Error(err))
			return nil, pgErr(err, "scan recurrence rule")
		}
		rules = append(rules, *rr)
	}
	return rules, rows.Err()
}

func (r *RecurrenceRuleRepo) Create(ctx context.Context, rr *model.RecurrenceRule) error {
	weekdays := make([]int32, 0, len(rr.Pattern.Weekdays))
	for _, d := range rr.Pattern.Weekdays {
		weekdays = append(weekdays, int32(d))
	}
	query := `
        INSERT INTO recurrence_rules (id, user_id, goal_id, title, description, frequency, interval_count,
                                      anchor_date, end_date, weekdays, day_of_month, is_active)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        RETURNING version, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		rr.ID,
		rr.UserID,
		rr.GoalID,
		rr.Title,
		rr.Description,
		rr.Pattern.Frequency,
		rr.Pattern.Interval,
		rr.Pattern.Anchor,
		rr.Pattern.EndDate,
		weekdays,
		rr.Pattern.DayOfMonth,
		rr.IsActive,
	).Scan(&rr.Version, &rr.CreatedAt, &rr.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to insert recurrence rule", zap.Error(err))
		return pgErr(err, "insert recurrence rule")
	}
	r.logger.Info("Recurrence rule inserted",
		zap.String("recurrence_rule_id", rr.ID),
		zap.String("user_id", rr.UserID),
		zap.String("frequency", string(rr.Pattern.Frequency)),
	)
	return nil
}

func (r *RecurrenceRuleRepo) AdvanceMaterialized(ctx context.Context, ruleID string, expected *time.Time, to time.Time) error {
	query := `
        UPDATE recurrence_rules
        SET last_materialized_date = $3, version = version + 1, updated_at = NOW()
        WHERE id = $1
          AND last_materialized_date IS NOT DISTINCT FROM $2::date
          AND (last_materialized_date IS NULL OR last_materialized_date < $3::date)
    `
	tag, err := r.db.Exec(ctx, query, ruleID, expected, to)
	if err != nil {
		return pgErr(err, "advance recurrence rule")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "recurrence_rules", ruleID)
	}
	return nil
}

func (r *RecurrenceRuleRepo) SetActive(ctx context.Context, ruleID, userID string, active bool) error {
	query := `
        UPDATE recurrence_rules
        SET is_active = $3, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND user_id = $2
    `
	tag, err := r.db.Exec(ctx, query, ruleID, userID, active)
	if err != nil {
		return pgErr(err, "update recurrence rule")
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("recurrence rule %s", ruleID)
	}
	return nil
}

// NewPostgresStore wires the pgx-backed ports.
func NewPostgresStore(db *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{
		Goals:       NewGoalRepo(db, logger),
		Milestones:  NewMilestoneRepo(db, logger),
		Tasks:       NewTaskRepo(db, logger),
		Recurrences: NewRecurrenceRuleRepo(db, logger),
	}
}
