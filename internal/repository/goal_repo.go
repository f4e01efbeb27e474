package repository

import (
	"context"
	"time"

	"goalpath/internal/model"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

type GoalRepo struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

var _ GoalRepository = (*GoalRepo)(nil)

func NewGoalRepo(db *pgxpool.Pool, logger *zap.Logger) *GoalRepo {
	return &GoalRepo{db: db, logger: logger}
}

const goalColumns = `id, user_id, title, description, target_date, status, roadmap_status,
        roadmap_run_id, roadmap_claimed_at, version, created_at, updated_at`

func scanGoal(row pgx.Row) (*model.Goal, error) {
	var g model.Goal
	err := row.Scan(
		&g.ID,
		&g.UserID,
		&g.Title,
		&g.Description,
		&g.TargetDate,
		&g.Status,
		&g.RoadmapStatus,
		&g.RoadmapRunID,
		&g.RoadmapClaimedAt,
		&g.Version,
		&g.CreatedAt,
		&g.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &g, nil
}

func (r *GoalRepo) Get(ctx context.Context, goalID string) (*model.Goal, error) {
	query := `SELECT ` + goalColumns + ` FROM goals WHERE id = $1`
	g, err := scanGoal(r.db.QueryRow(ctx, query, goalID))
	if err != nil {
		return nil, pgErr(err, "goal "+goalID)
	}
	return g, nil
}

func (r *GoalRepo) ListByUser(ctx context.Context, userID string) ([]model.Goal, error) {
	r.logger.Debug("Listing goals for user", zap.String("user_id", userID))
	query := `SELECT ` + goalColumns + `
        FROM goals
        WHERE user_id = $1
        ORDER BY created_at DESC`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to query goals", zap.String("user_id", userID), zap.Error(err))
		return nil, pgErr(err, "list goals")
	}
	defer rows.Close()

	goals := []model.Goal{}
	for rows.Next() {
		g, err := scanGoal(rows)
		if err != nil {
			r.logger.Error("Failed to scan goal row", zap.Error(err))
			return nil, pgErr(err, "scan goal")
		}
		goals = append(goals, *g)
	}
	return goals, rows.Err()
}

func (r *GoalRepo) Create(ctx context.Context, g *model.Goal) error {
	query := `
        INSERT INTO goals (id, user_id, title, description, target_date, status, roadmap_status, roadmap_run_id)
        VALUES ($1, $2, $3, $4, $5, $6, $7, '')
        RETURNING version, created_at, updated_at
    `
	err := r.db.QueryRow(ctx, query,
		g.ID,
		g.UserID,
		g.Title,
		g.Description,
		g.TargetDate,
		g.Status,
		g.RoadmapStatus,
	).Scan(&g.Version, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to insert goal", zap.String("user_id", g.UserID), zap.Error(err))
		return pgErr(err, "insert goal")
	}
	r.logger.Info("Goal inserted", zap.String("goal_id", g.ID), zap.String("user_id", g.UserID))
	return nil
}

func (r *GoalRepo) TransitionStatus(ctx context.Context, goalID string, from, to model.GoalStatus) error {
	query := `
        UPDATE goals
        SET status = $3, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND status = $2
    `
	tag, err := r.db.Exec(ctx, query, goalID, from, to)
	if err != nil {
		return pgErr(err, "update goal status")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "goals", goalID)
	}
	r.logger.Info("Goal status transitioned",
		zap.String("goal_id", goalID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
	return nil
}

func (r *GoalRepo) ClaimRoadmap(ctx context.Context, goalID, runID string, staleBefore time.Time) error {
	query := `
        UPDATE goals
        SET roadmap_status = 'generating', roadmap_run_id = $2, roadmap_claimed_at = NOW(),
            version = version + 1, updated_at = NOW()
        WHERE id = $1
          AND (roadmap_status IN ('none', 'failed')
               OR (roadmap_status = 'generating'
                   AND (roadmap_claimed_at IS NULL OR roadmap_claimed_at < $3)))
    `
	tag, err := r.db.Exec(ctx, query, goalID, runID, staleBefore)
	if err != nil {
		return pgErr(err, "claim roadmap")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "goals", goalID)
	}
	return nil
}

func (r *GoalRepo) TransitionRoadmap(ctx context.Context, goalID, runID string, from, to model.RoadmapStatus) error {
	query := `
        UPDATE goals
        SET roadmap_status = $4, version = version + 1, updated_at = NOW()
        WHERE id = $1 AND roadmap_run_id = $2 AND roadmap_status = $3
    `
	tag, err := r.db.Exec(ctx, query, goalID, runID, from, to)
	if err != nil {
		return pgErr(err, "update roadmap status")
	}
	if tag.RowsAffected() == 0 {
		return guardFailed(ctx, r.db, "goals", goalID)
	}
	r.logger.Info("Roadmap status transitioned",
		zap.String("goal_id", goalID),
		zap.String("run_id", runID),
		zap.String("to", string(to)),
	)
	return nil
}

func (r *GoalRepo) Delete(ctx context.Context, goalID, userID string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM goals WHERE id = $1 AND user_id = $2`, goalID, userID)
	if err != nil {
		return pgErr(err, "delete goal")
	}
	if tag.RowsAffected() == 0 {
		return model.NotFoundf("goal %s", goalID)
	}
	return nil
}
