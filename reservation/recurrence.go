/*
recurrence.go - Recurring series expansion

PURPOSE:
  Turns a recurrence rule plus a base window into concrete dated windows.
  The base window supplies the anchor date, the time of day and the
  duration. Expansion stops at the first of: Count occurrences, the Until
  date, or the horizon.

SUPPORTED RULES:
  DAILY    every Interval days, optionally filtered by DaysOfWeek
  WEEKLY   every Interval weeks (Monday-based), on DaysOfWeek
           (defaults to the anchor's weekday)
  MONTHLY  every Interval months on the anchor's day of month; months
           without that day are skipped

BOUNDS:
  A rule without Count and without Until is rejected. Count above
  MaxOccurrences is rejected. Until beyond the horizon is capped.

Times are built with time.Date in the configured location so the wall
clock time of day survives DST changes.
*/
package reservation

import (
	"fmt"
	"math"
	"time"
)

type Frequency string

const (
	FrequencyDaily   Frequency = "DAILY"
	FrequencyWeekly  Frequency = "WEEKLY"
	FrequencyMonthly Frequency = "MONTHLY"
)

type RecurrenceRule struct {
	Frequency  Frequency
	Interval   int
	DaysOfWeek []time.Weekday
	Count      int
	Until      *time.Time
}

func (r RecurrenceRule) Validate() error {
	v := &ValidationError{}
	switch r.Frequency {
	case FrequencyDaily, FrequencyWeekly, FrequencyMonthly:
	default:
		v.Add("recurrence.frequency", fmt.Sprintf("unsupported frequency %q", r.Frequency))
	}
	if r.Interval < 0 {
		v.Add("recurrence.interval", "interval must be positive")
	}
	if r.Count < 0 {
		v.Add("recurrence.count", "count must be positive")
	}
	if r.Count == 0 && r.Until == nil {
		v.Add("recurrence", "an end condition (count or until) is required")
	}
	for _, d := range r.DaysOfWeek {
		if d < time.Sunday || d > time.Saturday {
			v.Add("recurrence.days_of_week", fmt.Sprintf("invalid weekday %d", d))
		}
	}
	if v.HasErrors() {
		return v
	}
	return nil
}

func (r RecurrenceRule) interval() int {
	if r.Interval <= 0 {
		return 1
	}
	return r.Interval
}

type ExpanderOptions struct {
	MaxOccurrences int
	Horizon        time.Duration
	Location       *time.Location
}

func DefaultExpanderOptions() ExpanderOptions {
	return ExpanderOptions{
		MaxOccurrences: 366,
		Horizon:        366 * 24 * time.Hour,
		Location:       time.UTC,
	}
}

type Expander struct {
	Options ExpanderOptions
}

func NewExpander(opts ExpanderOptions) *Expander {
	def := DefaultExpanderOptions()
	if opts.MaxOccurrences <= 0 {
		opts.MaxOccurrences = def.MaxOccurrences
	}
	if opts.Horizon <= 0 {
		opts.Horizon = def.Horizon
	}
	if opts.Location == nil {
		opts.Location = def.Location
	}
	return &Expander{Options: opts}
}

// Expand generates the dated instances of rule anchored at base.
// A zero horizon means base.Start plus the configured horizon; later horizons are capped to it.
func (e *Expander) Expand(rule RecurrenceRule, base Window, horizon time.Time) ([]RecurrenceInstance, error) {
	if err := rule.Validate(); err != nil {
		return nil, err
	}
	if err := base.Validate(); err != nil {
		return nil, err
	}
	if rule.Count > e.Options.MaxOccurrences {
		return nil, invalidArgument("recurrence.count",
			fmt.Sprintf("count %d exceeds the maximum of %d occurrences", rule.Count, e.Options.MaxOccurrences))
	}

	loc := e.Options.Location
	anchor := base.Start.In(loc)
	anchorDay := dateOf(anchor, loc)
	dur := base.Duration()

	limit := anchor.Add(e.Options.Horizon)
	if !horizon.IsZero() && horizon.Before(limit) {
		limit = horizon
	}
	if rule.Until != nil && rule.Until.Before(limit) {
		limit = *rule.Until
	}
	lastDay := dateOf(limit.In(loc), loc)

	var out []RecurrenceInstance
	full := func() bool {
		return (rule.Count > 0 && len(out) >= rule.Count) || len(out) >= e.Options.MaxOccurrences
	}
	emit := func(day time.Time) {
		start := time.Date(day.Year(), day.Month(), day.Day(),
			anchor.Hour(), anchor.Minute(), anchor.Second(), anchor.Nanosecond(), loc)
		if !horizon.IsZero() && start.After(horizon) {
			return
		}
		out = append(out, RecurrenceInstance{
			Index:          len(out) + 1,
			OccurrenceDate: day,
			Window:         NewWindow(start, dur),
		})
	}

	step := rule.interval()
	switch rule.Frequency {
	case FrequencyDaily:
		filter := weekdaySet(rule.DaysOfWeek)
		for i := 0; !full(); i += step {
			day := anchorDay.AddDate(0, 0, i)
			if day.After(lastDay) {
				break
			}
			if len(filter) == 0 || filter[day.Weekday()] {
				emit(day)
			}
		}

	case FrequencyWeekly:
		days := weekdaySet(rule.DaysOfWeek)
		if len(days) == 0 {
			days = map[time.Weekday]bool{anchorDay.Weekday(): true}
		}
		weekStart := anchorDay.AddDate(0, 0, -mondayOffset(anchorDay.Weekday()))
	weeks:
		for w := 0; ; w += step {
			for offset := 0; offset < 7; offset++ {
				day := weekStart.AddDate(0, 0, w*7+offset)
				if day.Before(anchorDay) {
					continue
				}
				if day.After(lastDay) || full() {
					break weeks
				}
				if days[day.Weekday()] {
					emit(day)
				}
			}
		}

	case FrequencyMonthly:
		for i := 0; !full(); i += step {
			first := time.Date(anchorDay.Year(), anchorDay.Month()+time.Month(i), 1, 0, 0, 0, 0, loc)
			if first.After(lastDay) {
				break
			}
			if anchorDay.Day() > daysIn(first) {
				continue
			}
			day := time.Date(first.Year(), first.Month(), anchorDay.Day(), 0, 0, 0, 0, loc)
			if day.After(lastDay) {
				break
			}
			emit(day)
		}
	}

	return out, nil
}

func dateOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func weekdaySet(days []time.Weekday) map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(days))
	for _, d := range days {
		set[d] = true
	}
	return set
}

// mondayOffset is the number of days since the most recent Monday.
func mondayOffset(d time.Weekday) int {
	return (int(d) + 6) % 7
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}

// Rebase places an occurrence shiftDays later with the time of day and
// duration of base.
func (e *Expander) Rebase(occurrence time.Time, shiftDays int, base Window) Window {
	loc := e.Options.Location
	day := dateOf(occurrence, loc).AddDate(0, 0, shiftDays)
	clock := base.Start.In(loc)
	start := time.Date(day.Year(), day.Month(), day.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), clock.Nanosecond(), loc)
	return NewWindow(start, base.Duration())
}

// DaysBetween counts calendar days from a to b in the expander's location.
func (e *Expander) DaysBetween(a, b time.Time) int {
	loc := e.Options.Location
	da, db := dateOf(a, loc), dateOf(b, loc)
	return int(math.Round(db.Sub(da).Hours() / 24))
}
