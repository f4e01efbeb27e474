package model

import "time"

type MilestoneStatus string

const (
	MilestoneLocked    MilestoneStatus = "locked"
	MilestoneActive    MilestoneStatus = "active"
	MilestoneCompleted MilestoneStatus = "completed"
)

// TaskGeneration tracks whether the coach has produced the initial task batch
// for a milestone. A failed or long-pending batch is picked up by the re-drive job.
type TaskGeneration string

const (
	TaskGenPending TaskGeneration = "pending"
	TaskGenReady   TaskGeneration = "ready"
	TaskGenFailed  TaskGeneration = "failed"
)

type Milestone struct {
	ID             string          `json:"milestone_id"`
	GoalID         string          `json:"goal_id"`
	UserID         string          `json:"user_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description"`
	DurationDays   int             `json:"duration_days"`
	Sequence       int             `json:"sequence"`
	Status         MilestoneStatus `json:"status"`
	TaskGeneration TaskGeneration  `json:"task_generation"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (s MilestoneStatus) Valid() bool {
	switch s {
	case MilestoneLocked, MilestoneActive, MilestoneCompleted:
		return true
	}
	return false
}
