// SPDX-License-Identifier: MIT

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/signagekit/signaged/internal/model"
)

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	require.NoError(t, err)
	return parsed
}

func TestResolveWindowBounds(t *testing.T) {
	client := &model.Client{ID: "C1"}
	schedules := []model.Schedule{{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "09:00", EndTime: "17:00",
	}}

	cases := []struct {
		name string
		at   string
		want string
	}{
		{"before start", "2026-03-10T08:59:00Z", ""},
		{"start minute is inclusive", "2026-03-10T09:00:00Z", "L1"},
		{"inside window", "2026-03-10T12:30:00Z", "L1"},
		{"last covered minute", "2026-03-10T16:59:59Z", "L1"},
		{"end minute is exclusive", "2026-03-10T17:00:00Z", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Resolve(client, schedules, mustTime(t, tc.at))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestResolveWeekdays(t *testing.T) {
	client := &model.Client{ID: "C1"}
	schedules := []model.Schedule{{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
		DaysOfWeek: []model.Weekday{time.Monday, time.Tuesday},
	}}

	// 2026-03-10 is a Tuesday, 2026-03-11 a Wednesday.
	require.Equal(t, "L1", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
	require.Equal(t, "", Resolve(client, schedules, mustTime(t, "2026-03-11T10:00:00Z")))
}

func TestResolveEmptyDaysMeansEveryDay(t *testing.T) {
	client := &model.Client{ID: "C1"}
	schedules := []model.Schedule{{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
	}}
	require.Equal(t, "L1", Resolve(client, schedules, mustTime(t, "2026-03-15T10:00:00Z")))
}

func TestResolveValidityDates(t *testing.T) {
	client := &model.Client{ID: "C1"}
	from := mustTime(t, "2026-03-10T00:00:00Z")
	until := mustTime(t, "2026-03-12T00:00:00Z")
	schedules := []model.Schedule{{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "00:00", EndTime: "23:59",
		ValidFrom: &from, ValidUntil: &until,
	}}

	require.Equal(t, "", Resolve(client, schedules, mustTime(t, "2026-03-09T23:00:00Z")))
	require.Equal(t, "L1", Resolve(client, schedules, mustTime(t, "2026-03-10T00:30:00Z")), "first valid day")
	require.Equal(t, "L1", Resolve(client, schedules, mustTime(t, "2026-03-12T20:00:00Z")), "last day is inclusive")
	require.Equal(t, "", Resolve(client, schedules, mustTime(t, "2026-03-13T00:30:00Z")))
}

func TestResolvePriorityWins(t *testing.T) {
	client := &model.Client{ID: "C1", Group: "lobby"}
	schedules := []model.Schedule{
		{ID: "S-group", LayoutID: "L-group", ClientGroup: "lobby", Priority: 1, IsActive: true,
			StartTime: "00:00", EndTime: "23:59"},
		{ID: "S-client", LayoutID: "L-client", ClientID: "C1", Priority: 5, IsActive: true,
			StartTime: "00:00", EndTime: "23:59"},
	}
	require.Equal(t, "L-client", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
}

func TestResolveTieBreaks(t *testing.T) {
	client := &model.Client{ID: "C1"}
	older := mustTime(t, "2026-01-01T00:00:00Z")
	newer := mustTime(t, "2026-02-01T00:00:00Z")

	t.Run("most recently modified wins", func(t *testing.T) {
		schedules := []model.Schedule{
			{ID: "S-a", LayoutID: "L-a", ClientID: "C1", Priority: 3, IsActive: true,
				StartTime: "00:00", EndTime: "23:59", Modified: older},
			{ID: "S-b", LayoutID: "L-b", ClientID: "C1", Priority: 3, IsActive: true,
				StartTime: "00:00", EndTime: "23:59", Modified: newer},
		}
		require.Equal(t, "L-b", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
	})

	t.Run("smaller id wins as final tie break", func(t *testing.T) {
		schedules := []model.Schedule{
			{ID: "S-b", LayoutID: "L-b", ClientID: "C1", Priority: 3, IsActive: true,
				StartTime: "00:00", EndTime: "23:59", Modified: older},
			{ID: "S-a", LayoutID: "L-a", ClientID: "C1", Priority: 3, IsActive: true,
				StartTime: "00:00", EndTime: "23:59", Modified: older},
		}
		require.Equal(t, "L-a", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
	})
}

func TestResolveFallbackToAssignment(t *testing.T) {
	client := &model.Client{ID: "C1", AssignedLayoutID: "L-pinned"}
	require.Equal(t, "L-pinned", Resolve(client, nil, mustTime(t, "2026-03-10T10:00:00Z")))
}

func TestResolveSkipsInactiveAndForeign(t *testing.T) {
	client := &model.Client{ID: "C1", Group: "lobby"}
	schedules := []model.Schedule{
		{ID: "S-off", LayoutID: "L-off", ClientID: "C1", IsActive: false,
			StartTime: "00:00", EndTime: "23:59"},
		{ID: "S-other", LayoutID: "L-other", ClientID: "C2", IsActive: true,
			StartTime: "00:00", EndTime: "23:59"},
		{ID: "S-group", LayoutID: "L-group", ClientGroup: "kitchen", IsActive: true,
			StartTime: "00:00", EndTime: "23:59"},
	}
	require.Equal(t, "", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
}

func TestResolveMalformedTimesSkipped(t *testing.T) {
	client := &model.Client{ID: "C1"}
	schedules := []model.Schedule{{
		ID: "S1", LayoutID: "L1", ClientID: "C1", IsActive: true,
		StartTime: "9am", EndTime: "17:00",
	}}
	require.Equal(t, "", Resolve(client, schedules, mustTime(t, "2026-03-10T10:00:00Z")))
}

func TestParseMinute(t *testing.T) {
	cases := []struct {
		in   string
		want int
		ok   bool
	}{
		{"00:00", 0, true},
		{"09:30", 570, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"12:60", 0, false},
		{"noon", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseMinute(tc.in)
		require.Equal(t, tc.ok, ok, tc.in)
		if ok {
			require.Equal(t, tc.want, got, tc.in)
		}
	}
}
