package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// ScheduleKind tags where a due feeding came from.
type ScheduleKind int

const (
	// KindAbsolute is a FeedingSchedule row with its own timestamp and sent flag.
	KindAbsolute ScheduleKind = iota
	// KindRecurring is one occurrence of a feeder's weekly table.
	KindRecurring
)

func (k ScheduleKind) String() string {
	switch k {
	case KindAbsolute:
		return "absolute"
	case KindRecurring:
		return "recurring"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Intent is one feeding that is due now.
type Intent struct {
	Kind        ScheduleKind
	FeederID    string
	PortionSize float64
	ScheduleID  string    // absolute only
	Slot        time.Time // recurring only: the UTC minute of the occurrence
}

func (i Intent) fields() []zap.Field {
	f := []zap.Field{zap.String("kind", i.Kind.String()), zap.String("feeder_id", i.FeederID)}
	if i.ScheduleID != "" {
		f = append(f, zap.String("schedule_id", i.ScheduleID))
	}
	if !i.Slot.IsZero() {
		f = append(f, zap.Time("slot", i.Slot))
	}
	return f
}

// Evaluator decides which feedings are due at a given instant.
type Evaluator struct {
	store          store.Store
	defaultPortion float64
	batch          int
}

func NewEvaluator(s store.Store, defaultPortion float64, batch int) *Evaluator {
	return &Evaluator{store: s, defaultPortion: defaultPortion, batch: batch}
}

// Evaluate returns every due intent at now. A failing source is logged and
// reported in the error while the other source's intents are still returned.
func (e *Evaluator) Evaluate(ctx context.Context, now time.Time) ([]Intent, error) {
	now = now.UTC()
	var errs []error

	intents, err := e.absolute(ctx, now)
	if err != nil {
		logger.Error("evaluating absolute schedules", zap.Error(err))
		errs = append(errs, err)
	}
	recurring, err := e.recurring(ctx, now)
	if err != nil {
		logger.Error("evaluating weekly schedules", zap.Error(err))
		errs = append(errs, err)
	}
	return append(intents, recurring...), errors.Join(errs...)
}

// absolute selects unsent rows at or before now; late ticks catch up. Rows
// without a feeder or portion are filtered out by the store.
func (e *Evaluator) absolute(ctx context.Context, now time.Time) ([]Intent, error) {
	rows, err := e.store.ListDueSchedules(ctx, now, e.batch)
	if err != nil {
		return nil, err
	}
	out := make([]Intent, 0, len(rows))
	for _, r := range rows {
		out = append(out, Intent{
			Kind:        KindAbsolute,
			FeederID:    r.FeederID,
			PortionSize: r.PortionSize,
			ScheduleID:  r.ID,
		})
	}
	return out, nil
}

// recurring matches the UTC day name and HH:MM of now exactly against each
// feeder's weekly table. A tick that misses the minute misses the feeding.
func (e *Evaluator) recurring(ctx context.Context, now time.Time) ([]Intent, error) {
	feeders, err := e.store.ListFeedersWithWeekly(ctx)
	if err != nil {
		return nil, err
	}
	hhmm := now.Format("15:04")
	slot := now.Truncate(time.Minute)

	var out []Intent
	for i := range feeders {
		f := &feeders[i]
		if !f.Weekly().Has(now.Weekday(), hhmm) {
			continue
		}
		out = append(out, Intent{
			Kind:        KindRecurring,
			FeederID:    f.ID,
			PortionSize: e.portionFor(f),
			Slot:        slot,
		})
	}
	return out, nil
}

func (e *Evaluator) portionFor(f *entities.Feeder) float64 {
	if f.DefaultPortion > 0 {
		return f.DefaultPortion
	}
	return e.defaultPortion
}
