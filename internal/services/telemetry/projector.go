package telemetry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

var ErrMalformedPayload = errors.New("malformed payload")

const (
	MetricBowlPercent    = "bowl/percent"
	MetricStoragePercent = "storage/percent"
	MetricWeight         = "weight"
	MetricStorageWeight  = "storage/weight"
	MetricStatus         = "status"
)

type fieldSpec struct {
	parse func(string) (float64, error)
	set   func(p *store.FeederPatch, v float64)
}

func percent(s string) (float64, error) {
	v, err := finite(s)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > 100 {
		return 0, fmt.Errorf("%w: %v outside 0..100", ErrMalformedPayload, v)
	}
	return v, nil
}

func finite(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrMalformedPayload, s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("%w: %q is not finite", ErrMalformedPayload, s)
	}
	return v, nil
}

// numericFields is the closed table of numeric metrics. status is handled apart.
var numericFields = map[string]fieldSpec{
	MetricBowlPercent:    {parse: percent, set: func(p *store.FeederPatch, v float64) { p.BowlLevel = &v }},
	MetricStoragePercent: {parse: percent, set: func(p *store.FeederPatch, v float64) { p.StorageLevel = &v }},
	MetricWeight:         {parse: finite, set: func(p *store.FeederPatch, v float64) { p.Weight = &v }},
	MetricStorageWeight:  {parse: finite, set: func(p *store.FeederPatch, v float64) { p.StorageWeight = &v }},
}

// Project maps one (metric, payload) pair to a feeder patch. known is false for
// metrics outside the table; the patch is then empty and err is nil.
func Project(metric, payload string) (patch store.FeederPatch, value any, known bool, err error) {
	if metric == MetricStatus {
		s := strings.TrimSpace(payload)
		if s == "" {
			return patch, nil, true, fmt.Errorf("%w: empty status", ErrMalformedPayload)
		}
		patch.Status = &s
		return patch, s, true, nil
	}
	spec, ok := numericFields[metric]
	if !ok {
		return patch, nil, false, nil
	}
	v, err := spec.parse(payload)
	if err != nil {
		return patch, nil, true, err
	}
	spec.set(&patch, v)
	return patch, v, true, nil
}

// Result is the outcome of applying one message, reported to metrics.
type Result string

const (
	ResultApplied   Result = "applied"
	ResultIgnored   Result = "ignored"
	ResultMalformed Result = "malformed"
	ResultError     Result = "error"
)

// Projector applies telemetry to the store and mirrors accepted samples into
// the history sink.
type Projector struct {
	store   store.Store
	history Recorder
	metrics *metrics.Metrics
	timeout time.Duration
	now     func() time.Time
}

type ProjectorOption func(*Projector)

func WithHistory(h Recorder) ProjectorOption { return func(p *Projector) { p.history = h } }

func WithMetrics(m *metrics.Metrics) ProjectorOption { return func(p *Projector) { p.metrics = m } }

func WithClock(now func() time.Time) ProjectorOption { return func(p *Projector) { p.now = now } }

func NewProjector(s store.Store, opts ...ProjectorOption) *Projector {
	p := &Projector{store: s, timeout: 5 * time.Second, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Apply never returns an error: failures are logged and counted so the
// transport never sees them.
func (p *Projector) Apply(ctx context.Context, route Route, payload []byte) Result {
	res := p.apply(ctx, route, payload)
	if p.metrics != nil {
		p.metrics.TelemetryMessages.WithLabelValues(string(res)).Inc()
	}
	return res
}

func (p *Projector) apply(ctx context.Context, route Route, payload []byte) Result {
	fields := []zap.Field{zap.String("feeder_id", route.FeederID), zap.String("metric", route.Metric)}

	patch, value, known, err := Project(route.Metric, string(payload))
	if !known {
		logger.Debug("ignoring unknown metric", fields...)
		return ResultIgnored
	}
	if err != nil {
		logger.Warn("dropping malformed telemetry", append(fields, zap.Error(err))...)
		return ResultMalformed
	}

	at := p.now().UTC()
	wctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.store.UpsertFeederFields(wctx, route.FeederID, patch, at); err != nil {
		logger.Error("telemetry store write failed", append(fields, zap.Error(err))...)
		return ResultError
	}

	if p.history != nil {
		p.history.RecordTelemetry(wctx, Sample{FeederID: route.FeederID, Metric: route.Metric, Value: value, At: at})
	}
	logger.Debug("telemetry applied", fields...)
	return ResultApplied
}
