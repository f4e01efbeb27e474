package repository

import (
	"context"
	"fmt"
	"time"

	"goalpath/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type MilestoneRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ MilestoneRepository = (*MilestoneRepo)(nil)

func NewMilestoneRepo(db *pgxpool.Pool, logger *zap.Logger) *MilestoneRepo {
	return &MilestoneRepo{db: db, logger: logger}
}

const milestoneColumns = `id, goal_id, user_id, title, description, duration_days, sequence,
        status, task_generation, version, created_at, updated_at`

func scanMilestone(row pgx.Row) (*model.Milestone, error) {
	var m model.Milestone
	err := row.Scan(
		&m.ID,
		&m.GoalID,
		&m.UserID,
		&m.Title,
		&m.Description,
		&m.DurationDays,
		&m.Sequence,
		&m.Status,
		&m.TaskGeneration,
		&m.Version,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *MilestoneRepo) Get(ctx context.Context, milestoneID string) (*model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`
	m, err := scanMilestone(r.db.QueryRow(ctx, query, milestoneID))
	if err != nil {
		return nil, pgErr(err, "milestone "+milestoneID)
	}
	return m, nil
}

func (r *MilestoneRepo) GetBySequence(ctx context.Context, goalID string, sequence int) (*model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + ` FROM milestones WHERE goal_id = $1 AND sequence = $2`
	m, err := scanMilestone(r.db.QueryRow(ctx, query, goalID, sequence))
	if err != nil {
		return nil, pgErr(err, fmt.Sprintf("milestone %s#%d", goalID, sequence))
	}
	return m, nil
}

func (r *MilestoneRepo) ListByGoal(ctx context.Context, goalID string) ([]model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE goal_id = $1
        ORDER BY sequence ASC`
	return r.list(ctx, query, goalID)
}

func (r *MilestoneRepo) ListStalledGeneration(ctx context.Context, pendingBefore time.Time, limit int) ([]model.Milestone, error) {
	query := `SELECT ` + milestoneColumns + `
        FROM milestones
        WHERE status = 'active'
          AND (task_generation = 'failed'
               OR (task_generation = 'pending' AND updated_at < $1))
        ORDER BY updated_at ASC
        LIMIT $2`
	return r.list(ctx, query, pendingBefore, limit)
}

func (r *MilestoneRepo) list(ctx context.Context, query string, args ...any) ([]model.Milestone, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to query milestones", zap.Error(err))
		return nil, pgErr(err, "list milestones")
	}
	defer rows.Close()

	var milestones []model.Milestone
	for rows.Next() {
		m, err := scanMilestone(rows)
		if err != nil {
			r.logger.Error("Failed to scan milestone", zap.Error(err))
			return nil, pgErr(err, "scan milestone")
		}
		milestones = append(milestones, *m)
	}
	return milestones, rows.Err()
}

func (r *MilestoneRepo) CreateBatch(ctx context.Context, milestones []model.Milestone) error {
	if len(milestones) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
        INSERT INTO milestones (id, goal_id, user_id, title, description, duration_days, sequence, status, task_generation)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (goal_id, sequence) DO NOTHING
    `
	batch := &pgx.Batch{}
	for _, m := range milestones {
		batch.Queue(query,
			m.ID,
			m.GoalID,
			m.UserID,
			m.Title,
			m.Description,
			m.DurationDays,
			m.Sequence,
			m.Status,
			m.TaskGeneration,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		r.logger.Error("Failed to insert milestone batch",
			zap.String("goal_id", milestones[0].GoalID),
			zap.Error(err),
		)
		return pgErr(err, "insert milestones")
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	r.logger.Info("Milestones inserted",
		zap.String("goal_id", milestones[0].GoalID),
		zap.Int("count", len(milestones)),
	)
	return nil
}

func (r *MilestoneRepo) TransitionStatus(ctx context.Context, milestoneID string, from, to model.MilestoneStatus) error {
	query := `
        UPDATE milestones
        SET status = $3, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `
	tag, err := r.db.Exec(ctx, query, milestoneID, from, to)
	if err != nil {
		return pgErr(err, "update milestone status")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "milestones", milestoneID)
	}
	r.logger.Info("Milestone status transitioned",
		zap.String("milestone_id", milestoneID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (r *MilestoneRepo) TransitionTaskGeneration(ctx context.Context, milestoneID string, from, to model.TaskGeneration) error {
	query := `
        UPDATE milestones
        SET task_generation = $3, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND task_generation = $2
    `
	tag, err := r.db.Exec(ctx, query, milestoneID, from, to)
	if err != nil {
		return pgErr(err, "update milestone task generation")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "milestones", milestoneID)
	}
	return nil
}
