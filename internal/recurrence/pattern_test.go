package recurrence

import (
	"testing"
	"time"

	"goalpath/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dates(ts []time.Time) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.Format(time.DateOnly)
	}
	return out
}

func TestOccurrences(t *testing.T) {
	end := day(2025, 10, 8)
	tests := []struct {
		name    string
		pattern model.RecurrencePattern
		after   *time.Time
		through time.Time
		want    []string
	}{
		{
			name:    "daily from anchor inclusive",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day(2025, 10, 1)},
			through: day(2025, 10, 3),
			want:    []string{"2025-10-01", "2025-10-02", "2025-10-03"},
		},
		{
			name:    "daily window excludes last materialized",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day(2025, 10, 1)},
			after:   ptr(day(2025, 10, 3)),
			through: day(2025, 10, 5),
			want:    []string{"2025-10-04", "2025-10-05"},
		},
		{
			name:    "every three days",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 3, Anchor: day(2025, 10, 1)},
			through: day(2025, 10, 10),
			want:    []string{"2025-10-01", "2025-10-04", "2025-10-07", "2025-10-10"},
		},
		{
			name: "weekly on two days",
			pattern: model.RecurrencePattern{
				Frequency: model.FrequencyWeekly, Interval: 1, Anchor: day(2025, 10, 1),
				Weekdays: []time.Weekday{time.Monday, time.Wednesday},
			},
			through: day(2025, 10, 13),
			want:    []string{"2025-10-01", "2025-10-06", "2025-10-08", "2025-10-13"},
		},
		{
			name: "fortnightly",
			pattern: model.RecurrencePattern{
				Frequency: model.FrequencyWeekly, Interval: 2, Anchor: day(2025, 10, 1),
				Weekdays: []time.Weekday{time.Wednesday},
			},
			through: day(2025, 10, 31),
			want:    []string{"2025-10-01", "2025-10-15", "2025-10-29"},
		},
		{
			name:    "monthly clamps to month end",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyMonthly, Interval: 1, Anchor: day(2025, 1, 31)},
			through: day(2025, 4, 30),
			want:    []string{"2025-01-31", "2025-02-28", "2025-03-31", "2025-04-30"},
		},
		{
			name:    "monthly on a fixed day after the anchor",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyMonthly, Interval: 1, Anchor: day(2025, 10, 20), DayOfMonth: 15},
			through: day(2025, 12, 31),
			want:    []string{"2025-11-15", "2025-12-15"},
		},
		{
			name:    "end date closes the window",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day(2025, 10, 6), EndDate: &end},
			through: day(2025, 10, 20),
			want:    []string{"2025-10-06", "2025-10-07", "2025-10-08"},
		},
		{
			name:    "anchor in the future",
			pattern: model.RecurrencePattern{Frequency: model.FrequencyDaily, Interval: 1, Anchor: day(2025, 11, 1)},
			through: day(2025, 10, 20),
			want:    []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dates(Occurrences(tt.pattern, tt.after, tt.through))
			assert.Equal(t, tt.want, got)
		})
	}
}

func ptr(t time.Time) *time.Time { return &t }

func TestParse(t *testing.T) {
	anchor := day(2025, 10, 1) // a Wednesday

	p, err := Parse("daily", anchor)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyDaily, p.Frequency)
	assert.Equal(t, 1, p.Interval)

	p, err = Parse("every 3 days", anchor)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyDaily, p.Frequency)
	assert.Equal(t, 3, p.Interval)

	p, err = Parse("weekly", anchor)
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Wednesday}, p.Weekdays)

	p, err = Parse("Weekly Friday", anchor)
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Friday}, p.Weekdays)

	p, err = Parse("weekly fri, mon,fri", anchor)
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Monday, time.Friday}, p.Weekdays)

	p, err = Parse("every 2 weeks on tue", anchor)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyWeekly, p.Frequency)
	assert.Equal(t, 2, p.Interval)
	assert.Equal(t, []time.Weekday{time.Tuesday}, p.Weekdays)

	p, err = Parse("monthly 15", anchor)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyMonthly, p.Frequency)
	assert.Equal(t, 15, p.DayOfMonth)

	p, err = Parse("every 1 month", anchor)
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyMonthly, p.Frequency)
}

func TestParseRejects(t *testing.T) {
	for _, expr := range []string{"", "hourly", "every x days", "every 0 days", "every 2 fortnights", "weekly funday", "monthly 32", "daily 3"} {
		_, err := Parse(expr, day(2025, 10, 1))
		assert.ErrorIs(t, err, model.ErrValidation, expr)
	}
}

func TestNormalizeRejectsEndBeforeAnchor(t *testing.T) {
	end := day(2025, 9, 1)
	_, err := Normalize(model.RecurrencePattern{Frequency: model.FrequencyDaily, Anchor: day(2025, 10, 1), EndDate: &end})
	assert.ErrorIs(t, err, model.ErrValidation)
}
