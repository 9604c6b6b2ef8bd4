// Package cronspec resolves a cron-style day-of-week field (e.g.
// "1-5", "MON-FRI", "*") into the 7-bit weekday mask
// internal/scene.ScheduleWindow consumes, using
// github.com/robfig/cron/v3's standard field parser instead of a
// hand-rolled weekday grammar — the teacher carries robfig/cron as an
// indirect dependency (root go.mod) without exercising it directly;
// this is where the daemon actually does.
package cronspec

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// WeekdayMask parses spec as the day-of-week field of a standard
// five-field cron expression ("minute hour dom month dow") and
// returns the bitmask of weekdays it matches, bit 0 = Sunday per
// time.Weekday, matching scene.ScheduleWindow's documented
// convention. The minute/hour/dom/month fields are pinned to
// "0 0 * *" because only the dow field's matching set is used; the
// schedule is never ticked directly.
func WeekdayMask(dowField string) (uint8, error) {
	sched, err := cron.ParseStandard(fmt.Sprintf("0 0 * * %s", dowField))
	if err != nil {
		return 0, fmt.Errorf("cronspec: invalid weekday field %q: %w", dowField, err)
	}

	// Sample every weekday of a known week (an arbitrary Sunday-
	// through-Saturday span in local time) and ask the parsed
	// schedule whether its next firing after the prior midnight lands
	// exactly on that day; this recovers the matched weekday set
	// without reaching into cron's unexported field representation.
	var mask uint8
	base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.Local) // a Sunday
	for wd := 0; wd < 7; wd++ {
		day := base.AddDate(0, 0, wd)
		justBefore := day.Add(-time.Minute)
		next := sched.Next(justBefore)
		if next.Year() == day.Year() && next.YearDay() == day.YearDay() {
			mask |= 1 << uint(wd)
		}
	}
	return mask, nil
}
