package model

import "time"

type GoalStatus string

const (
	GoalNotStarted GoalStatus = "not-started"
	GoalInProgress GoalStatus = "in-progress"
	GoalCompleted  GoalStatus = "completed"
)

type RoadmapStatus string

const (
	RoadmapNone       RoadmapStatus = "none"
	RoadmapGenerating RoadmapStatus = "generating"
	RoadmapReady      RoadmapStatus = "ready"
	RoadmapFailed     RoadmapStatus = "failed"
)

type Goal struct {
	ID            string        `json:"goal_id"`
	UserID        string        `json:"user_id"`
	Title         string        `json:"title"`
	Description   string        `json:"description"`
	TargetDate    *time.Time    `json:"target_date,omitempty"`
	Status        GoalStatus    `json:"status"`
	RoadmapStatus RoadmapStatus `json:"roadmap_status"`
	// RoadmapRunID identifies the pipeline run that owns a generating roadmap.
	RoadmapRunID string `json:"roadmap_run_id,omitempty"`
	// RoadmapClaimedAt is when RoadmapRunID took the claim.
	RoadmapClaimedAt *time.Time `json:"roadmap_claimed_at,omitempty"`
	Version          int64      `json:"version"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s GoalStatus) Valid() bool {
	switch s {
	case GoalNotStarted, GoalInProgress, GoalCompleted:
		return true
	}
	return false
}

func (s RoadmapStatus) Valid() bool {
	switch s {
	case RoadmapNone, RoadmapGenerating, RoadmapReady, RoadmapFailed:
		return true
	}
	return false
}

// Claimable reports whether a pipeline may take ownership of the roadmap.
func (s RoadmapStatus) Claimable() bool {
	return s == RoadmapNone || s == RoadmapFailed
}

// RoadmapClaimable reports whether a new run may claim the roadmap: it is
// unclaimed, failed, or generating under a claim taken before staleBefore.
// A generating roadmap with no claim time predates claim tracking and counts
// as stale.
func (g *Goal) RoadmapClaimable(staleBefore time.Time) bool {
	if g.RoadmapStatus.Claimable() {
		return true
	}
	return g.RoadmapStatus == RoadmapGenerating &&
		(g.RoadmapClaimedAt == nil || g.RoadmapClaimedAt.Before(staleBefore))
}
