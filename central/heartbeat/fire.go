package heartbeat

import (
	"sort"
	"time"

	"github.com/zubinjha/Zubot/central/store"
	"github.com/zubinjha/Zubot/errors"
)

// weekdayTokens maps schedule day tokens to Go weekdays
var weekdayTokens = map[string]time.Weekday{
	"mon": time.Monday,
	"tue": time.Tuesday,
	"wed": time.Wednesday,
	"thu": time.Thursday,
	"fri": time.Friday,
	"sat": time.Saturday,
	"sun": time.Sunday,
}

// missedInstants computes the ordered fire instants a schedule missed in
// the window (last_planned_run_at, now]. For calendar schedules the window
// is additionally bounded by the catch-up horizon: instants older than
// now-catchup are considered stale and dropped.
func missedInstants(sch *store.Schedule, now time.Time, catchup time.Duration) ([]time.Time, error) {
	switch sch.Mode {
	case store.ModeFrequency:
		return missedFrequencyInstants(sch, now)
	case store.ModeCalendar:
		return missedCalendarInstants(sch, now, catchup)
	}
	return nil, errors.Newf("unknown schedule mode: %s", sch.Mode)
}

func missedFrequencyInstants(sch *store.Schedule, now time.Time) ([]time.Time, error) {
	if sch.RunFrequencyMinutes == nil || *sch.RunFrequencyMinutes <= 0 {
		return nil, errors.Newf("schedule %s has no valid frequency", sch.ScheduleID)
	}
	step := time.Duration(*sch.RunFrequencyMinutes) * time.Minute

	// The first schedule cursor seeds from next_run_at; afterwards the
	// sequence continues from the last planned instant.
	var cursor time.Time
	if sch.LastPlannedRunAt != nil {
		cursor = sch.LastPlannedRunAt.Add(step)
	} else if sch.NextRunAt != nil {
		cursor = *sch.NextRunAt
	} else {
		return nil, nil
	}

	var instants []time.Time
	for !cursor.After(now) {
		instants = append(instants, cursor)
		cursor = cursor.Add(step)
		if len(instants) > 10000 {
			return nil, errors.Newf("schedule %s backlog exceeds sanity bound", sch.ScheduleID)
		}
	}
	return instants, nil
}

func missedCalendarInstants(sch *store.Schedule, now time.Time, catchup time.Duration) ([]time.Time, error) {
	if len(sch.RunTimes) == 0 {
		return nil, nil
	}

	windowStart := now.Add(-catchup)
	if sch.LastPlannedRunAt != nil && sch.LastPlannedRunAt.After(windowStart) {
		windowStart = *sch.LastPlannedRunAt
	}

	var instants []time.Time
	for _, rt := range sch.RunTimes {
		loc, err := time.LoadLocation(orUTC(rt.Timezone))
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %s has bad timezone %q", sch.ScheduleID, rt.Timezone)
		}
		hour, minute, err := parseTimeOfDay(rt.TimeOfDay)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %s has bad time_of_day %q", sch.ScheduleID, rt.TimeOfDay)
		}

		// Walk local days covering the window; the window is at most the
		// catch-up horizon so this stays small.
		day := windowStart.In(loc)
		for !day.After(now.In(loc).AddDate(0, 0, 1)) {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if candidate.After(windowStart) && !candidate.After(now) && weekdayAllowed(sch.DaysOfWeek, candidate.Weekday()) {
				instants = append(instants, candidate.UTC())
			}
			day = day.AddDate(0, 0, 1)
		}
	}

	sort.Slice(instants, func(i, j int) bool { return instants[i].Before(instants[j]) })
	return dedupeInstants(instants), nil
}

// nextFire computes the earliest fire instant strictly after the given time
func nextFire(sch *store.Schedule, after time.Time) (*time.Time, error) {
	switch sch.Mode {
	case store.ModeFrequency:
		return nextFrequencyFire(sch, after)
	case store.ModeCalendar:
		return nextCalendarFire(sch, after)
	}
	return nil, errors.Newf("unknown schedule mode: %s", sch.Mode)
}

func nextFrequencyFire(sch *store.Schedule, after time.Time) (*time.Time, error) {
	if sch.RunFrequencyMinutes == nil || *sch.RunFrequencyMinutes <= 0 {
		return nil, errors.Newf("schedule %s has no valid frequency", sch.ScheduleID)
	}
	step := time.Duration(*sch.RunFrequencyMinutes) * time.Minute

	var anchor time.Time
	switch {
	case sch.LastPlannedRunAt != nil:
		anchor = *sch.LastPlannedRunAt
	case sch.NextRunAt != nil:
		anchor = *sch.NextRunAt
	default:
		anchor = after
	}

	next := anchor
	for !next.After(after) {
		// Jump in one step for large gaps instead of iterating
		gap := after.Sub(next)
		steps := gap/step + 1
		next = next.Add(steps * step)
	}
	next = next.UTC()
	return &next, nil
}

func nextCalendarFire(sch *store.Schedule, after time.Time) (*time.Time, error) {
	if len(sch.RunTimes) == 0 {
		return nil, nil
	}

	var best *time.Time
	for _, rt := range sch.RunTimes {
		loc, err := time.LoadLocation(orUTC(rt.Timezone))
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %s has bad timezone %q", sch.ScheduleID, rt.Timezone)
		}
		hour, minute, err := parseTimeOfDay(rt.TimeOfDay)
		if err != nil {
			return nil, errors.Wrapf(err, "schedule %s has bad time_of_day %q", sch.ScheduleID, rt.TimeOfDay)
		}

		day := after.In(loc)
		// Eight days always covers one allowed weekday when any is set
		for i := 0; i < 8; i++ {
			candidate := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc)
			if candidate.After(after) && weekdayAllowed(sch.DaysOfWeek, candidate.Weekday()) {
				utc := candidate.UTC()
				if best == nil || utc.Before(*best) {
					best = &utc
				}
				break
			}
			day = day.AddDate(0, 0, 1)
		}
	}

	if best == nil {
		return nil, errors.Newf("schedule %s has no reachable calendar fire", sch.ScheduleID)
	}
	return best, nil
}

func weekdayAllowed(tokens []string, wd time.Weekday) bool {
	if len(tokens) == 0 {
		return true
	}
	for _, token := range tokens {
		if allowed, ok := weekdayTokens[token]; ok && allowed == wd {
			return true
		}
	}
	return false
}

func parseTimeOfDay(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, err
	}
	return t.Hour(), t.Minute(), nil
}

func orUTC(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}

func dedupeInstants(instants []time.Time) []time.Time {
	if len(instants) < 2 {
		return instants
	}
	out := instants[:1]
	for _, t := range instants[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
