package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
)

func TestRoutineExpand(t *testing.T) {
	// Wednesday 8 May 2024, 12:00 UTC
	from := time.Date(2024, 5, 8, 12, 0, 0, 0, time.UTC)
	r := Routine{
		FeederID:    "abc123",
		Days:        []time.Weekday{time.Friday, time.Monday, time.Friday},
		Time:        "7:30",
		PortionSize: 40,
		Weeks:       2,
	}

	rows, err := r.Expand(from)
	require.NoError(t, err)

	// monday of the first week is already past
	want := []time.Time{
		time.Date(2024, 5, 10, 7, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 13, 7, 30, 0, 0, time.UTC),
		time.Date(2024, 5, 17, 7, 30, 0, 0, time.UTC),
	}
	require.Len(t, rows, len(want))
	for i, row := range rows {
		assert.True(t, want[i].Equal(row.ScheduledTime), "row %d: %s", i, row.ScheduledTime)
		assert.Equal(t, "abc123", row.FeederID)
		assert.Equal(t, 40.0, row.PortionSize)
		assert.False(t, row.Sent)
	}
}

func TestRoutineExpand_Invalid(t *testing.T) {
	base := Routine{FeederID: "f", Days: []time.Weekday{time.Monday}, Time: "08:00", PortionSize: 10, Weeks: 1}
	tests := []struct {
		name   string
		mutate func(r *Routine)
	}{
		{"no feeder", func(r *Routine) { r.FeederID = "" }},
		{"no days", func(r *Routine) { r.Days = nil }},
		{"portion below one gram", func(r *Routine) { r.PortionSize = 0.5 }},
		{"zero weeks", func(r *Routine) { r.Weeks = 0 }},
		{"too many weeks", func(r *Routine) { r.Weeks = 53 }},
		{"bad time", func(r *Routine) { r.Time = "24:00" }},
		{"bad weekday", func(r *Routine) { r.Days = []time.Weekday{9} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := base
			tt.mutate(&r)
			_, err := r.Expand(monday0800)
			assert.True(t, errors.Is(err, ErrInvalidRoutine), "got %v", err)
		})
	}
}

func TestGenerateRoutine_Stores(t *testing.T) {
	s, db := newTestStore(t)
	r := Routine{FeederID: "abc123", Days: []time.Weekday{time.Tuesday}, Time: "18:00", PortionSize: 25, Weeks: 4}
	rows, err := GenerateRoutine(context.Background(), s, r, monday0800)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	for _, row := range rows {
		assert.NotEmpty(t, row.ID)
	}
	assert.Equal(t, int64(4), countRows(t, db, &entities.FeedingSchedule{}, "feeder_id = ?", "abc123"))
}

func TestNextWeekly(t *testing.T) {
	w := entities.WeeklySchedule{
		"monday":   {"08:00", "18:00"},
		"thursday": {"07:15"},
	}
	tests := []struct {
		name string
		now  time.Time
		want time.Time
	}{
		{"later today", monday0800, time.Date(2024, 5, 6, 18, 0, 0, 0, time.UTC)},
		{"earlier today", monday0800.Add(-time.Hour), monday0800},
		{"later this week", monday0800.Add(11 * time.Hour), time.Date(2024, 5, 9, 7, 15, 0, 0, time.UTC)},
		{"wraps to next week", time.Date(2024, 5, 9, 8, 0, 0, 0, time.UTC), time.Date(2024, 5, 13, 8, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := NextWeekly(w, tt.now)
			require.True(t, ok)
			assert.True(t, tt.want.Equal(got), "got %s", got)
		})
	}

	_, ok := NextWeekly(entities.WeeklySchedule{}, monday0800)
	assert.False(t, ok)

	// the only slot is the current minute: next occurrence is a week away
	got, ok := NextWeekly(entities.WeeklySchedule{"monday": {"08:00"}}, monday0800)
	require.True(t, ok)
	assert.True(t, monday0800.AddDate(0, 0, 7).Equal(got))
}

func TestFindNextFeeding(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	f := &entities.Feeder{ID: "abc123", OwnerID: "u", DefaultPortion: 0}
	require.NoError(t, s.LinkFeeder(ctx, f))

	_, ok, err := FindNextFeeding(ctx, s, f, 50, monday0800)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SetWeeklySchedule(ctx, "abc123", entities.WeeklySchedule{"tuesday": {"09:00"}})
	require.NoError(t, err)
	f, err = s.GetFeeder(ctx, "abc123")
	require.NoError(t, err)

	next, ok, err := FindNextFeeding(ctx, s, f, 50, monday0800)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, KindRecurring, next.Kind)
	assert.Equal(t, "recurring", next.KindName)
	assert.Equal(t, 50.0, next.PortionSize)
	assert.True(t, time.Date(2024, 5, 7, 9, 0, 0, 0, time.UTC).Equal(next.At))

	// an absolute schedule before the weekly one wins
	require.NoError(t, s.CreateSchedules(ctx, []entities.FeedingSchedule{
		{ID: "soon", FeederID: "abc123", ScheduledTime: monday0800.Add(2 * time.Hour), PortionSize: 12},
	}))
	next, ok, err = FindNextFeeding(ctx, s, f, 50, monday0800)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "absolute", next.KindName)
	assert.Equal(t, "soon", next.ScheduleID)
	assert.Equal(t, 12.0, next.PortionSize)
}
