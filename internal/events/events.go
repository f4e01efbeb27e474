// Package events names the progression events and delivers them through the
// transactional outbox to RabbitMQ.
package events

import (
	"context"
	"time"
)

// Consumed routing keys.
const (
	RoadmapRequested        = "roadmap.requested"
	MilestoneTasksRequested = "milestone.tasks.requested"
)

// Published routing keys.
const (
	RoadmapReady          = "roadmap.ready"
	RoadmapFailed         = "roadmap.failed"
	MilestoneActivated    = "milestone.activated"
	MilestoneCompleted    = "milestone.completed"
	MilestoneReopened     = "milestone.reopened"
	MilestoneTasksMissing = "milestone.tasks_missing"
	GoalCompleted         = "goal.completed"
	CascadeFailed         = "progression.cascade_failed"
	RecurrenceRuleFailed  = "recurrence.rule_failed"
)

const (
	AggregateGoal      = "goal"
	AggregateMilestone = "milestone"
	AggregateTask      = "task"
	AggregateRule      = "recurrence_rule"
)

type Event struct {
	RoutingKey    string
	AggregateType string
	AggregateID   string
	Payload       any
}

// Sink receives events. Emit failures never undo the state change that produced the event.
type Sink interface {
	Emit(ctx context.Context, e Event) error
}

type RoadmapRequestedPayload struct {
	GoalID  string `json:"goal_id"`
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id,omitempty"`
}

type MilestoneTasksRequestedPayload struct {
	MilestoneID string `json:"milestone_id"`
	TraceID     string `json:"trace_id,omitempty"`
}

type RoadmapPayload struct {
	GoalID     string    `json:"goal_id"`
	UserID     string    `json:"user_id"`
	RunID      string    `json:"run_id"`
	Milestones int       `json:"milestones,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type MilestonePayload struct {
	GoalID      string    `json:"goal_id"`
	MilestoneID string    `json:"milestone_id"`
	UserID      string    `json:"user_id"`
	Sequence    int       `json:"sequence"`
	Reason      string    `json:"reason,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type GoalPayload struct {
	GoalID     string    `json:"goal_id"`
	UserID     string    `json:"user_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type CascadeFailedPayload struct {
	TaskID      string    `json:"task_id"`
	UserID      string    `json:"user_id"`
	MilestoneID string    `json:"milestone_id,omitempty"`
	Step        string    `json:"step"`
	Error       string    `json:"error"`
	OccurredAt  time.Time `json:"occurred_at"`
}

type RuleFailedPayload struct {
	RuleID     string    `json:"recurrence_rule_id"`
	UserID     string    `json:"user_id"`
	AsOf       string    `json:"as_of"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurred_at"`
}
