// Package recurrence expands recurrence patterns into occurrence dates and
// materializes them as Tasks.
package recurrence

import (
	"slices"
	"time"

	"goalpath/internal/model"
)

// Date truncates t to its calendar day in UTC.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Normalize validates p and fills defaults: interval 1, and for weekly rules
// the anchor's weekday when no weekdays are given.
func Normalize(p model.RecurrencePattern) (model.RecurrencePattern, error) {
	switch p.Frequency {
	case model.FrequencyDaily, model.FrequencyWeekly, model.FrequencyMonthly:
	default:
		return p, model.Validationf("unknown frequency %q", p.Frequency)
	}
	if p.Interval == 0 {
		p.Interval = 1
	}
	if p.Interval < 0 {
		return p, model.Validationf("interval must be positive")
	}
	if p.Anchor.IsZero() {
		return p, model.Validationf("anchor date is required")
	}
	p.Anchor = Date(p.Anchor)
	if p.EndDate != nil {
		end := Date(*p.EndDate)
		if end.Before(p.Anchor) {
			return p, model.Validationf("end date is before anchor date")
		}
		p.EndDate = &end
	}

	switch p.Frequency {
	case model.FrequencyWeekly:
		days := slices.Clone(p.Weekdays)
		for _, d := range days {
			if d < time.Sunday || d > time.Saturday {
				return p, model.Validationf("invalid weekday %d", d)
			}
		}
		if len(days) == 0 {
			days = []time.Weekday{p.Anchor.Weekday()}
		}
		slices.Sort(days)
		p.Weekdays = slices.Compact(days)
		p.DayOfMonth = 0
	case model.FrequencyMonthly:
		if p.DayOfMonth < 0 || p.DayOfMonth > 31 {
			return p, model.Validationf("day of month must be between 1 and 31")
		}
		p.Weekdays = nil
	default:
		p.Weekdays = nil
		p.DayOfMonth = 0
	}
	return p, nil
}

// BackfillDays is how far before the materialization date a rule's first run
// reaches, and how far in the past a new rule may be anchored.
const BackfillDays = 90

// Occurrences returns the dates p produces in (after, through], in order.
// A nil after means the window opens at the anchor, inclusive. The end date,
// when set, closes the window.
func Occurrences(p model.RecurrencePattern, after *time.Time, through time.Time) []time.Time {
	if p.Interval < 1 {
		p.Interval = 1
	}
	anchor := Date(p.Anchor)
	from := anchor
	if after != nil {
		if next := Date(*after).AddDate(0, 0, 1); next.After(from) {
			from = next
		}
	}
	to := Date(through)
	if p.EndDate != nil && Date(*p.EndDate).Before(to) {
		to = Date(*p.EndDate)
	}

	var out []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if matches(p, anchor, d) {
			out = append(out, d)
		}
	}
	return out
}

func matches(p model.RecurrencePattern, anchor, d time.Time) bool {
	switch p.Frequency {
	case model.FrequencyDaily:
		return daysBetween(anchor, d)%p.Interval == 0

	case model.FrequencyWeekly:
		weekdays := p.Weekdays
		if len(weekdays) == 0 {
			weekdays = []time.Weekday{anchor.Weekday()}
		}
		if !slices.Contains(weekdays, d.Weekday()) {
			return false
		}
		weeks := daysBetween(weekStart(anchor), weekStart(d)) / 7
		return weeks%p.Interval == 0

	case model.FrequencyMonthly:
		months := (d.Year()-anchor.Year())*12 + int(d.Month()-anchor.Month())
		if months%p.Interval != 0 {
			return false
		}
		dom := p.DayOfMonth
		if dom == 0 {
			dom = anchor.Day()
		}
		return d.Day() == min(dom, daysIn(d.Year(), d.Month()))
	}
	return false
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func weekStart(d time.Time) time.Time {
	return d.AddDate(0, 0, -int(d.Weekday()))
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
