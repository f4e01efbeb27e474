// Package planner adapts generative planning backends to the two capabilities
// the progression engine consumes: proposing a goal's milestone roadmap and
// proposing the initial task batch for one milestone.
package planner

import (
	"context"
	"strings"
	"time"
)

// GoalContext is the descriptive part of a Goal handed to the planner.
type GoalContext struct {
	GoalID      string     `json:"goal_id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	TargetDate  *time.Time `json:"target_date,omitempty"`
}

// MilestoneContext is handed to the coach when an active milestone needs tasks.
type MilestoneContext struct {
	Goal         GoalContext `json:"goal"`
	MilestoneID  string      `json:"milestone_id"`
	Sequence     int         `json:"sequence"`
	Title        string      `json:"title"`
	Description  string      `json:"description"`
	DurationDays int         `json:"duration_days"`
}

type MilestoneProposal struct {
	Title        string `json:"title"`
	Description  string `json:"description"`
	DurationDays int    `json:"duration_days"`
}

type TaskProposal struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	// DueInDays is relative to the day the batch is persisted. Zero means no due date.
	DueInDays int `json:"due_in_days"`
}

// Planner is the planning and coaching port. Implementations may fail or time out.
type Planner interface {
	ProposeMilestones(ctx context.Context, goal GoalContext) ([]MilestoneProposal, error)
	ProposeTasks(ctx context.Context, milestone MilestoneContext) ([]TaskProposal, error)
}

const (
	maxMilestones = 12
	maxTasks      = 20
)

// cleanMilestones trims whitespace, drops untitled entries and caps the roadmap length.
func cleanMilestones(in []MilestoneProposal) []MilestoneProposal {
	out := make([]MilestoneProposal, 0, len(in))
	for _, p := range in {
		p.Title = strings.TrimSpace(p.Title)
		p.Description = strings.TrimSpace(p.Description)
		if p.Title == "" {
			continue
		}
		if p.DurationDays < 0 {
			p.DurationDays = 0
		}
		out = append(out, p)
		if len(out) == maxMilestones {
			break
		}
	}
	return out
}

func cleanTasks(in []TaskProposal) []TaskProposal {
	out := make([]TaskProposal, 0, len(in))
	for _, p := range in {
		p.Title = strings.TrimSpace(p.Title)
		p.Description = strings.TrimSpace(p.Description)
		if p.Title == "" {
			continue
		}
		if p.DueInDays < 0 {
			p.DueInDays = 0
		}
		out = append(out, p)
		if len(out) == maxTasks {
			break
		}
	}
	return out
}
