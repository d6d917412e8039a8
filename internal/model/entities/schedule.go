package entities

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// WeeklySchedule maps a lowercase day name ("monday") to HH:MM times.
type WeeklySchedule map[string][]string

var clockRe = regexp.MustCompile(`^([0-1]?[0-9]|2[0-3]):([0-5][0-9])$`)

// DayName is the key used in WeeklySchedule for d.
func DayName(d time.Weekday) string {
	return strings.ToLower(d.String())
}

// ParseDay accepts full English day names in any case.
func ParseDay(s string) (time.Weekday, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d := time.Sunday; d <= time.Saturday; d++ {
		if DayName(d) == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown day %q", s)
}

// ParseClock validates an H:MM / HH:MM string and returns hour and minute.
func ParseClock(s string) (int, int, error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, 0, fmt.Errorf("time %q must be in HH:MM format", s)
	}
	h, _ := strconv.Atoi(m[1])
	min, _ := strconv.Atoi(m[2])
	return h, min, nil
}

// NormalizeClock turns "8:05" into "08:05".
func NormalizeClock(s string) (string, error) {
	h, m, err := ParseClock(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%02d:%02d", h, m), nil
}

// Normalize validates every day and time, zero-pads times, sorts and drops
// duplicates and empty days.
func (w WeeklySchedule) Normalize() (WeeklySchedule, error) {
	out := make(WeeklySchedule, len(w))
	for day, times := range w {
		d, err := ParseDay(day)
		if err != nil {
			return nil, err
		}
		seen := make(map[string]struct{}, len(times))
		var list []string
		for _, t := range times {
			n, err := NormalizeClock(t)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", DayName(d), err)
			}
			if _, dup := seen[n]; dup {
				continue
			}
			seen[n] = struct{}{}
			list = append(list, n)
		}
		if len(list) == 0 {
			continue
		}
		sort.Strings(list)
		out[DayName(d)] = list
	}
	return out, nil
}

// Has reports exact membership of hhmm in the list for day.
func (w WeeklySchedule) Has(day time.Weekday, hhmm string) bool {
	for _, t := range w[DayName(day)] {
		if t == hhmm {
			return true
		}
	}
	return false
}

// FeedingSchedule is one absolute, non-recurring feeding.
// Sent only ever moves from false to true. ClaimToken/ClaimedUntil form a lease
// held by the dispatcher between claiming and finishing the publish.
type FeedingSchedule struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	FeederID      string     `gorm:"type:varchar(64);not null;index" json:"feeder_id"`
	ScheduledTime time.Time  `gorm:"not null;index:idx_schedule_due,priority:2" json:"scheduled_time"`
	PortionSize   float64    `json:"portion_size"`
	Sent          bool       `gorm:"not null;index:idx_schedule_due,priority:1" json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
	ClaimToken    string     `gorm:"type:varchar(36)" json:"-"`
	ClaimedUntil  *time.Time `json:"-"`
	CreatedAt     time.Time  `json:"created_at"`
}

// RecurringClaim records that the weekly occurrence at Slot was taken by a dispatcher.
type RecurringClaim struct {
	ID        uint      `gorm:"primaryKey"`
	FeederID  string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_recurring_slot,priority:1"`
	Slot      time.Time `gorm:"not null;uniqueIndex:ux_recurring_slot,priority:2"`
	Outcome   string    `gorm:"type:varchar(16)"`
	CreatedAt time.Time
}
