package repository

import (
	"context"
	"fmt"
	"strings"

	"goalpath/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type TaskRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ TaskRepository = (*TaskRepo)(nil)

func NewTaskRepo(db *pgxpool.Pool, logger *zap.Logger) *TaskRepo {
	return &TaskRepo{db: db, logger: logger}
}

const taskColumns = `id, user_id, goal_id, milestone_id, title, description, status, due_date,
        source_key, recurrence_rule_id, version, completed_at, created_at, updated_at`

func scanTask(row pgx.Row) (*model.Task, error) {
	var t model.Task
	var sourceKey *string
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.GoalID,
		&t.MilestoneID,
		&t.Title,
		&t.Description,
		&t.Status,
		&t.DueDate,
		&sourceKey,
		&t.RecurrenceRuleID,
		&t.Version,
		&t.CompletedAt,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	t.SourceKey = model.Deref(sourceKey)
	return &t, nil
}

func (r *TaskRepo) Get(ctx context.Context, taskID string) (*model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`
	t, err := scanTask(r.db.QueryRow(ctx, query, taskID))
	if err != nil {
		return nil, pgErr(err, "task "+taskID)
	}
	return t, nil
}

func (r *TaskRepo) ListByUser(ctx context.Context, userID string, filter model.TaskFilter) ([]model.Task, error) {
	r.logger.Debug("Listing tasks for user", zap.String("user_id", userID))
	var sb strings.Builder
	sb.WriteString(`SELECT ` + taskColumns + ` FROM tasks WHERE user_id = $1`)
	args := []any{userID}
	if filter.GoalID != "" {
		args = append(args, filter.GoalID)
		fmt.Fprintf(&sb, " AND goal_id = $%d", len(args))
	}
	if filter.MilestoneID != "" {
		args = append(args, filter.MilestoneID)
		fmt.Fprintf(&sb, " AND milestone_id = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		fmt.Fprintf(&sb, " AND status = $%d", len(args))
	}
	sb.WriteString(" ORDER BY due_date ASC NULLS LAST, created_at ASC")
	return r.list(ctx, sb.String(), args...)
}

func (r *TaskRepo) ListByMilestone(ctx context.Context, milestoneID string) ([]model.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE milestone_id = $1 ORDER BY created_at ASC`
	return r.list(ctx, query, milestoneID)
}

func (r *TaskRepo) list(ctx context.Context, query string, args ...any) ([]model.Task, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query tasks", zap.Error(err))
		return nil, pgErr(err, "list tasks")
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			r.logger.Error("Failed to scan task row", zap.Error(err))
			return nil, pgErr(err, "scan task")
		}
		tasks = append(tasks, *t)
	}
	return tasks, rows.Err()
}

func (r *TaskRepo) Create(ctx context.Context, t *model.Task) error {
	query := `
        INSERT INTO tasks (id, user_id, goal_id, milestone_id, title, description, status, due_date,
                           source_key, recurrence_rule_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING version, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		t.ID,
		t.UserID,
		t.GoalID,
		t.MilestoneID,
		t.Title,
		t.Description,
		t.Status,
		t.DueDate,
		model.StringPtr(t.SourceKey),
		t.RecurrenceRuleID,
	).Scan(&t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return pgErr(err, "insert task")
	}
	r.logger.Info("Task inserted",
		zap.String("task_id", t.ID),
		zap.String("user_id", t.UserID),
		zap.String("source_key", t.SourceKey),
	)
	return nil
}

func (r *TaskRepo) UpdateStatus(ctx context.Context, taskID string, expectedVersion int64, to model.TaskStatus) (*model.Task, error) {
	query := `
        UPDATE tasks
        SET status = $3::text,
            completed_at = CASE WHEN $3::text = 'completed' THEN NOW() ELSE NULL END,
            version = version + 1,
            updated_at = NOW()
        WHERE id = $1 AND version = $2
        RETURNING ` + taskColumns
	t, err := scanTask(r.db.QueryRow(ctx, query, taskID, expectedVersion, to))
	if err == pgx.ErrNoRows {
		return nil, guardFailed(ctx, r.db, "tasks", taskID)
	}
	if err != nil {
		r.logger.Error("Failed to update task status", zap.String("task_id", taskID), zap.Error(err))
		return nil, pgErr(err, "update task status")
	}
	return t, nil
}

func (r *TaskRepo) Delete(ctx context.Context, taskID, userID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM tasks WHERE id = $1 AND user_id = $2`, taskID, userID)
	if err != nil {
		return pgErr(err, "delete task")
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("task %s", taskID)
	}
	r.logger.Info("Task deleted", zap.String("task_id", taskID))
	return nil
}
