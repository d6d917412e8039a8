package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
)

const maxRoutineWeeks = 52

var ErrInvalidRoutine = errors.New("invalid routine")

// Routine describes a batch of absolute schedules: one per day per week.
type Routine struct {
	FeederID    string
	Days        []time.Weekday
	Time        string // H:MM or HH:MM, UTC
	PortionSize float64
	Weeks       int
}

// Expand returns one FeedingSchedule per day and week offset, starting from
// the week containing from. Instants not after from are skipped.
func (r Routine) Expand(from time.Time) ([]entities.FeedingSchedule, error) {
	if r.FeederID == "" {
		return nil, fmt.Errorf("%w: feeder id is required", ErrInvalidRoutine)
	}
	if len(r.Days) == 0 {
		return nil, fmt.Errorf("%w: at least one day is required", ErrInvalidRoutine)
	}
	if r.PortionSize < 1 {
		return nil, fmt.Errorf("%w: portion must be at least 1 gram", ErrInvalidRoutine)
	}
	if r.Weeks < 1 || r.Weeks > maxRoutineWeeks {
		return nil, fmt.Errorf("%w: weeks must be between 1 and %d", ErrInvalidRoutine, maxRoutineWeeks)
	}
	h, m, err := entities.ParseClock(r.Time)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRoutine, err)
	}

	from = from.UTC()
	midnight := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, time.UTC)
	weekStart := midnight.AddDate(0, 0, -int(from.Weekday()))

	seen := make(map[time.Weekday]bool, len(r.Days))
	var out []entities.FeedingSchedule
	for _, d := range r.Days {
		if d < time.Sunday || d > time.Saturday {
			return nil, fmt.Errorf("%w: bad weekday %d", ErrInvalidRoutine, d)
		}
		if seen[d] {
			continue
		}
		seen[d] = true
		for w := 0; w < r.Weeks; w++ {
			day := weekStart.AddDate(0, 0, 7*w+int(d))
			at := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
			if !at.After(from) {
				continue
			}
			out = append(out, entities.FeedingSchedule{
				FeederID:      r.FeederID,
				ScheduledTime: at,
				PortionSize:   r.PortionSize,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledTime.Before(out[j].ScheduledTime) })
	return out, nil
}

// GenerateRoutine expands r and stores the resulting schedules.
func GenerateRoutine(ctx context.Context, s store.Store, r Routine, from time.Time) ([]entities.FeedingSchedule, error) {
	rows, err := r.Expand(from)
	if err != nil {
		return nil, err
	}
	if err := s.CreateSchedules(ctx, rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// NextWeekly returns the next weekly occurrence strictly after now, looking at
// the rest of today first and then the following seven days.
func NextWeekly(w entities.WeeklySchedule, now time.Time) (time.Time, bool) {
	now = now.UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	for offset := 0; offset <= 7; offset++ {
		day := midnight.AddDate(0, 0, offset)
		var best time.Time
		for _, t := range w[entities.DayName(day.Weekday())] {
			h, m, err := entities.ParseClock(t)
			if err != nil {
				continue
			}
			at := day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute)
			if !at.After(now) {
				continue
			}
			if best.IsZero() || at.Before(best) {
				best = at
			}
		}
		if !best.IsZero() {
			return best, true
		}
	}
	return time.Time{}, false
}

// NextFeeding is the upcoming dispense for a feeder, whichever kind comes first.
type NextFeeding struct {
	At          time.Time    `json:"at"`
	Kind        ScheduleKind `json:"-"`
	KindName    string       `json:"kind"`
	PortionSize float64      `json:"portion_size"`
	ScheduleID  string       `json:"schedule_id,omitempty"`
}

// FindNextFeeding compares the next weekly occurrence with the earliest
// pending absolute schedule. ok is false when neither exists.
func FindNextFeeding(ctx context.Context, s store.Store, f *entities.Feeder, defaultPortion float64, now time.Time) (NextFeeding, bool, error) {
	var (
		next  NextFeeding
		found bool
	)
	if at, ok := NextWeekly(f.Weekly(), now); ok {
		portion := f.DefaultPortion
		if portion <= 0 {
			portion = defaultPortion
		}
		next = NextFeeding{At: at, Kind: KindRecurring, PortionSize: portion}
		found = true
	}

	sched, err := s.NextPendingSchedule(ctx, f.ID, now)
	switch {
	case errors.Is(err, store.ErrNotFound):
	case err != nil:
		return NextFeeding{}, false, err
	default:
		if !found || sched.ScheduledTime.Before(next.At) {
			next = NextFeeding{At: sched.ScheduledTime.UTC(), Kind: KindAbsolute, PortionSize: sched.PortionSize, ScheduleID: sched.ID}
			found = true
		}
	}
	next.KindName = next.Kind.String()
	return next, found, nil
}
