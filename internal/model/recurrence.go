package model

import "time"

type Frequency string

const (
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// RecurrencePattern describes when a rule produces occurrences. Dates are
// calendar days; the time-of-day part is ignored.
type RecurrencePattern struct {
	Frequency Frequency      `json:"frequency"`
	Interval  int            `json:"interval"`
	Anchor    time.Time      `json:"anchor"`
	EndDate   *time.Time     `json:"end_date,omitempty"`
	Weekdays  []time.Weekday `json:"weekdays,omitempty"`
	// DayOfMonth applies to monthly rules; zero means the anchor's day.
	// Months shorter than the day clamp to their last day.
	DayOfMonth int `json:"day_of_month,omitempty"`
}

type RecurrenceRule struct {
	ID          string            `json:"recurrence_rule_id"`
	UserID      string            `json:"user_id"`
	GoalID      *string           `json:"goal_id,omitempty"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Pattern     RecurrencePattern `json:"pattern"`
	IsActive    bool              `json:"is_active"`
	// LastMaterializedDate is nil until the first successful run. It never decreases.
	LastMaterializedDate *time.Time `json:"last_materialized_date,omitempty"`
	Version              int64      `json:"version"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}
