package worker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/leadhive/leadhive/pkg/types"
)

// dayAliases maps the accepted day spellings to time.Weekday.
var dayAliases = map[string]time.Weekday{
	"mon": time.Monday, "monday": time.Monday,
	"tue": time.Tuesday, "tues": time.Tuesday, "tuesday": time.Tuesday,
	"wed": time.Wednesday, "weds": time.Wednesday, "wednesday": time.Wednesday,
	"thu": time.Thursday, "thur": time.Thursday, "thurs": time.Thursday, "thursday": time.Thursday,
	"fri": time.Friday, "friday": time.Friday,
	"sat": time.Saturday, "saturday": time.Saturday,
	"sun": time.Sunday, "sunday": time.Sunday,
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	return h*60 + m, nil
}

// InSchedule reports whether now falls inside the configured window. A
// nil or disabled schedule always allows. Windows may wrap midnight;
// for a wrapped window the day check applies to the day the window
// started. Malformed schedules fail open.
func InSchedule(sched *types.ClientSchedule, now time.Time) bool {
	if sched == nil || (sched.Enabled != nil && !*sched.Enabled) {
		return true
	}
	if sched.Enabled == nil && len(sched.Days) == 0 && sched.WindowStart == "" {
		return true
	}

	loc := time.Local
	if sched.Timezone != "" {
		if l, err := time.LoadLocation(sched.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)

	start, end := 0, 24*60
	if sched.WindowStart != "" {
		v, err := parseClock(sched.WindowStart)
		if err != nil {
			return true
		}
		start = v
	}
	if sched.WindowEnd != "" {
		v, err := parseClock(sched.WindowEnd)
		if err != nil {
			return true
		}
		end = v
	}

	minute := local.Hour()*60 + local.Minute()
	day := local.Weekday()

	// A window that wraps midnight belongs to the day it started.
	wrapped := end < start
	if wrapped && minute < end {
		day = local.AddDate(0, 0, -1).Weekday()
	}

	if len(sched.Days) > 0 {
		allowed := false
		for _, alias := range sched.Days {
			if wd, ok := dayAliases[strings.ToLower(strings.TrimSpace(alias))]; ok && wd == day {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if wrapped {
		return minute >= start || minute < end
	}
	if start == end {
		return true
	}
	return minute >= start && minute < end
}
