package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// Outcome of one intent.
type Outcome string

const (
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
	OutcomeClaimLost Outcome = "claim_lost"
)

// TickReport summarises one tick.
type TickReport struct {
	Due       int
	Sent      int
	Failed    int
	ClaimLost int
}

type Options struct {
	TopicPrefix string
	Workers     int
	// Lease must exceed the publish timeout plus bookkeeping time.
	Lease       time.Duration
	SettleDelay time.Duration
}

// Orchestrator runs one tick: evaluate, open a broker session, then claim,
// publish and record every intent on a bounded worker pool.
type Orchestrator struct {
	store     store.Store
	evaluator *Evaluator
	transport broker.Transport
	history   telemetry.Recorder
	metrics   *metrics.Metrics
	opts      Options
	now       func() time.Time
}

func NewOrchestrator(s store.Store, ev *Evaluator, t broker.Transport, h telemetry.Recorder, m *metrics.Metrics, opts Options) *Orchestrator {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Lease <= 0 {
		opts.Lease = 2 * time.Minute
	}
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = 2 * time.Second
	}
	if h == nil {
		h = telemetry.NopRecorder{}
	}
	return &Orchestrator{
		store:     s,
		evaluator: ev,
		transport: t,
		history:   h,
		metrics:   m,
		opts:      opts,
		now:       time.Now,
	}
}

// SetClock replaces the time source; tests pin ticks to a given minute.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// Tick evaluates and dispatches everything due now. An unreachable broker
// aborts the tick before anything is claimed.
func (o *Orchestrator) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.TickDuration.Observe(time.Since(start).Seconds())
		}
	}()

	now := o.now().UTC()
	intents, evalErr := o.evaluator.Evaluate(ctx, now)
	report := TickReport{Due: len(intents)}
	if len(intents) == 0 {
		logger.Debug("nothing due", zap.Time("now", now))
		return report, evalErr
	}

	pub, err := o.transport.Open(ctx)
	if err != nil {
		logger.Error("broker unreachable, leaving intents for the next tick", zap.Int("due", len(intents)), zap.Error(err))
		return report, fmt.Errorf("open broker session: %w", err)
	}
	defer pub.Close()
	cp := NewCommandPublisher(pub, o.opts.TopicPrefix, o.metrics)

	jobs := make(chan Intent)
	results := make(chan Outcome, len(intents))
	var wg sync.WaitGroup
	for w := 0; w < min(o.opts.Workers, len(intents)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for in := range jobs {
				results <- o.dispatch(ctx, cp, now, in)
			}
		}()
	}

feed:
	for _, in := range intents {
		select {
		case jobs <- in:
		case <-ctx.Done():
			logger.Warn("tick cancelled before all intents were started", zap.Error(ctx.Err()))
			break feed
		}
	}
	close(jobs)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(o.opts.SettleDelay):
			logger.Warn("closing broker session with dispatches in flight")
		}
	}

	for n := len(results); n > 0; n-- {
		switch <-results {
		case OutcomeSent:
			report.Sent++
		case OutcomeFailed:
			report.Failed++
		case OutcomeClaimLost:
			report.ClaimLost++
		}
	}
	logger.Info("tick finished",
		zap.Int("due", report.Due), zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed), zap.Int("claim_lost", report.ClaimLost))
	return report, evalErr
}

// dispatch claims, publishes and records one intent. Claim before publish:
// losing the claim means another dispatcher owns the feeding.
func (o *Orchestrator) dispatch(ctx context.Context, cp *CommandPublisher, now time.Time, in Intent) Outcome {
	fields := in.fields()

	token, err := o.claim(ctx, now, in)
	if err != nil {
		if !errors.Is(err, store.ErrClaimLost) {
			logger.Error("claim failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("claim lost", fields...)
		}
		o.count(in, OutcomeClaimLost)
		return OutcomeClaimLost
	}

	pubErr := cp.Dispense(ctx, in.FeederID, in.PortionSize)

	// the device may already have the command; record it even if the tick is cancelled
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	at := o.now().UTC()
	outcome := OutcomeSent
	if pubErr != nil {
		outcome = OutcomeFailed
		logger.Warn("dispense publish failed", append(fields, zap.Error(pubErr))...)
		o.settleFailure(bctx, in, token)
	} else {
		o.settleSuccess(bctx, in, token, at)
	}
	o.notify(bctx, in, pubErr, at)
	o.history.RecordDispatch(bctx, telemetry.DispatchEvent{
		FeederID:    in.FeederID,
		Source:      string(entities.SourceScheduled),
		Kind:        in.Kind.String(),
		ScheduleID:  in.ScheduleID,
		PortionSize: in.PortionSize,
		Success:     pubErr == nil,
		At:          at,
	})
	o.count(in, outcome)
	return outcome
}

func (o *Orchestrator) claim(ctx context.Context, now time.Time, in Intent) (string, error) {
	switch in.Kind {
	case KindAbsolute:
		token := uuid.NewString()
		return token, o.store.ClaimSchedule(ctx, in.ScheduleID, token, now, now.Add(o.opts.Lease))
	case KindRecurring:
		return "", o.store.ClaimRecurring(ctx, in.FeederID, in.Slot)
	default:
		return "", fmt.Errorf("unknown schedule kind %s", in.Kind)
	}
}

func (o *Orchestrator) settleSuccess(ctx context.Context, in Intent, token string, at time.Time) {
	fields := in.fields()
	switch in.Kind {
	case KindAbsolute:
		if err := o.store.MarkScheduleSent(ctx, in.ScheduleID, token, at); err != nil {
			logger.Error("marking schedule sent", append(fields, zap.Error(err))...)
		}
	case KindRecurring:
		if err := o.store.SetRecurringOutcome(ctx, in.FeederID, in.Slot, store.OutcomeSent); err != nil {
			logger.Error("recording weekly outcome", append(fields, zap.Error(err))...)
		}
	}
	err := o.store.AppendLog(ctx, &entities.FeedingLog{
		FeederID:    in.FeederID,
		PortionSize: in.PortionSize,
		Source:      entities.SourceScheduled,
		ScheduleID:  in.ScheduleID,
		CreatedAt:   at,
	})
	if err != nil {
		logger.Error("appending feeding log", append(fields, zap.Error(err))...)
	}
}

func (o *Orchestrator) settleFailure(ctx context.Context, in Intent, token string) {
	fields := in.fields()
	switch in.Kind {
	case KindAbsolute:
		// back to due; the next tick retries
		if err := o.store.ReleaseSchedule(ctx, in.ScheduleID, token); err != nil {
			logger.Error("releasing schedule", append(fields, zap.Error(err))...)
		}
	case KindRecurring:
		// the slot stays claimed; the occurrence comes round again next week
		if err := o.store.SetRecurringOutcome(ctx, in.FeederID, in.Slot, store.OutcomeFailed); err != nil {
			logger.Error("recording weekly outcome", append(fields, zap.Error(err))...)
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, in Intent, pubErr error, at time.Time) {
	n := &entities.Notification{
		FeederID:  in.FeederID,
		Source:    entities.SourceScheduled,
		CreatedAt: at,
	}
	if pubErr == nil {
		n.Status = entities.NotificationSuccess
		n.Message = fmt.Sprintf("Scheduled feeding of %gg dispensed.", in.PortionSize)
	} else {
		n.Status = entities.NotificationFailed
		n.Message = fmt.Sprintf("Scheduled feeding of %gg failed: %v", in.PortionSize, pubErr)
	}
	if err := o.store.AppendNotification(ctx, n); err != nil {
		logger.Error("appending notification", append(in.fields(), zap.Error(err))...)
	}
}

func (o *Orchestrator) count(in Intent, out Outcome) {
	if o.metrics != nil {
		o.metrics.Dispatches.WithLabelValues(in.Kind.String(), string(out)).Inc()
	}
}

// Run fires a tick at every minute boundary until ctx is done. Each tick runs
// on its own goroutine so a slow tick never delays the next one.
func (o *Orchestrator) Run(ctx context.Context, deadline time.Duration) {
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		now := o.now()
		next := now.Truncate(time.Minute).Add(time.Minute)
		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			tctx, cancel := context.WithTimeout(ctx, deadline)
			defer cancel()
			if _, err := o.Tick(tctx); err != nil {
				logger.Warn("tick completed with errors", zap.Error(err))
			}
		}()
	}
}
