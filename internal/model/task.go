package model

import "time"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in-progress"
	TaskCompleted  TaskStatus = "completed"
)

type Task struct {
	ID          string     `json:"task_id"`
	UserID      string     `json:"user_id"`
	GoalID      *string    `json:"goal_id,omitempty"`
	MilestoneID *string    `json:"milestone_id,omitempty"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	// SourceKey is a deterministic idempotency key for machine-created tasks,
	// e.g. "rule:<ruleID>:<date>" or "milestone:<milestoneID>:<n>". Empty for
	// tasks created directly by the user.
	SourceKey        string     `json:"source_key,omitempty"`
	RecurrenceRuleID *string    `json:"recurrence_rule_id,omitempty"`
	Version          int64      `json:"version"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskInProgress, TaskCompleted:
		return true
	}
	return false
}

// TaskFilter narrows GetTasks. Zero values mean "any".
type TaskFilter struct {
	GoalID      string
	MilestoneID string
	Status      TaskStatus
}
