package recurrence

import (
	"strconv"
	"strings"
	"time"

	"goalpath/internal/model"
)

var weekdayNames = map[string]time.Weekday{
	"sun": time.Sunday, "sunday": time.Sunday,
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
}

// Parse reads the shorthand accepted by the API:
//
//	daily
//	every 3 days
//	weekly
//	weekly wednesday
//	weekly mon,wed,fri
//	every 2 weeks on tue
//	monthly
//	monthly 15
//	every 3 months
//
// The result is normalized against anchor.
func Parse(expr string, anchor time.Time) (model.RecurrencePattern, error) {
	fields := strings.Fields(strings.ToLower(strings.TrimSpace(expr)))
	p := model.RecurrencePattern{Interval: 1, Anchor: anchor}
	if len(fields) == 0 {
		return p, model.Validationf("empty recurrence pattern")
	}

	rest := fields[1:]
	switch fields[0] {
	case "daily":
		p.Frequency = model.FrequencyDaily
	case "weekly":
		p.Frequency = model.FrequencyWeekly
	case "monthly":
		p.Frequency = model.FrequencyMonthly
	case "every":
		if len(fields) < 3 {
			return p, model.Validationf("pattern %q: expected \"every N days|weeks|months\"", expr)
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 1 {
			return p, model.Validationf("pattern %q: interval must be a positive number", expr)
		}
		p.Interval = n
		switch strings.TrimSuffix(fields[2], "s") {
		case "day":
			p.Frequency = model.FrequencyDaily
		case "week":
			p.Frequency = model.FrequencyWeekly
		case "month":
			p.Frequency = model.FrequencyMonthly
		default:
			return p, model.Validationf("pattern %q: unknown unit %q", expr, fields[2])
		}
		rest = fields[3:]
		if len(rest) > 0 && rest[0] == "on" {
			rest = rest[1:]
		}
	default:
		return p, model.Validationf("pattern %q: unknown frequency %q", expr, fields[0])
	}

	if len(rest) > 0 {
		arg := strings.Join(rest, "")
		switch p.Frequency {
		case model.FrequencyWeekly:
			for _, name := range strings.Split(arg, ",") {
				if name == "" {
					continue
				}
				d, ok := weekdayNames[name]
				if !ok {
					return p, model.Validationf("pattern %q: unknown weekday %q", expr, name)
				}
				p.Weekdays = append(p.Weekdays, d)
			}
		case model.FrequencyMonthly:
			dom, err := strconv.Atoi(arg)
			if err != nil || dom < 1 || dom > 31 {
				return p, model.Validationf("pattern %q: day of month must be 1-31", expr)
			}
			p.DayOfMonth = dom
		default:
			return p, model.Validationf("pattern %q: unexpected %q", expr, arg)
		}
	}
	return Normalize(p)
}
