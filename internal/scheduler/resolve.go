// SPDX-License-Identifier: MIT

// Package scheduler decides which layout every client should display and
// pushes updates when the decision changes.
package scheduler

import (
	"strconv"
	"strings"
	"time"

	"github.com/signagekit/signaged/internal/model"
)

// Resolve returns the layout id the client should display at the given time.
// The highest-priority matching schedule wins; ties break on the most
// recently modified schedule, then on the lexicographically smaller id.
// Without a matching schedule the client's pinned assignment applies. An
// empty result means no layout.
func Resolve(c *model.Client, schedules []model.Schedule, now time.Time) string {
	var best *model.Schedule
	for i := range schedules {
		s := &schedules[i]
		if !s.IsActive || !s.TargetsClient(c) || !windowContains(s, now) {
			continue
		}
		if best == nil || wins(s, best) {
			best = s
		}
	}
	if best != nil {
		return best.LayoutID
	}
	return c.AssignedLayoutID
}

func wins(a, b *model.Schedule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.Modified.Equal(b.Modified) {
		return a.Modified.After(b.Modified)
	}
	return a.ID < b.ID
}

// windowContains checks the schedule's day, date and time-of-day window at
// minute granularity. The start minute is inclusive, the end minute
// exclusive.
func windowContains(s *model.Schedule, now time.Time) bool {
	if s.ValidFrom != nil && beforeDay(now, *s.ValidFrom) {
		return false
	}
	if s.ValidUntil != nil && beforeDay(*s.ValidUntil, now) {
		return false
	}
	if len(s.DaysOfWeek) > 0 && !containsDay(s.DaysOfWeek, now.Weekday()) {
		return false
	}

	start, ok := parseMinute(s.StartTime)
	if !ok {
		return false
	}
	end, ok := parseMinute(s.EndTime)
	if !ok {
		return false
	}
	cur := now.Hour()*60 + now.Minute()
	return start <= cur && cur < end
}

// beforeDay reports whether a falls on an earlier calendar day than b.
func beforeDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	if ay != by {
		return ay < by
	}
	if am != bm {
		return am < bm
	}
	return ad < bd
}

func containsDay(days []model.Weekday, d time.Weekday) bool {
	for _, day := range days {
		if day == d {
			return true
		}
	}
	return false
}

// parseMinute converts "HH:MM" to a minute of day.
func parseMinute(s string) (int, bool) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, false
	}
	hour, err := strconv.Atoi(h)
	if err != nil || hour < 0 || hour > 23 {
		return 0, false
	}
	minute, err := strconv.Atoi(m)
	if err != nil || minute < 0 || minute > 59 {
		return 0, false
	}
	return hour*60 + minute, true
}
