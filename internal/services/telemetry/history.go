package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// Sample is one accepted telemetry value.
type Sample struct {
	FeederID string
	Metric   string
	Value    any // float64, or string for status
	At       time.Time
}

// DispatchEvent is the outcome of one dispense attempt.
type DispatchEvent struct {
	FeederID    string
	Source      string // manual | scheduled
	Kind        string // absolute | recurring | manual
	ScheduleID  string
	PortionSize float64
	Success     bool
	At          time.Time
}

// Recorder is a best-effort history sink. Implementations must not block the
// caller for long and never report errors back.
type Recorder interface {
	RecordTelemetry(ctx context.Context, s Sample)
	RecordDispatch(ctx context.Context, e DispatchEvent)
}

// NopRecorder discards everything; used when Influx is not configured.
type NopRecorder struct{}

func (NopRecorder) RecordTelemetry(context.Context, Sample)       {}
func (NopRecorder) RecordDispatch(context.Context, DispatchEvent) {}

// PointWriter is the part of the Influx blocking write API we use.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxHistory writes samples and dispatch events as points. Writes go
// through a circuit breaker so an unreachable Influx costs nothing once open.
type InfluxHistory struct {
	writer      PointWriter
	cb          *gobreaker.CircuitBreaker
	measurement string
	timeout     time.Duration
	metrics     *metrics.Metrics

	mu      sync.RWMutex
	lastErr time.Time
}

type HistoryConfig struct {
	Measurement  string
	WriteTimeout time.Duration
	TripAfter    uint32
	OpenFor      time.Duration
}

func NewInfluxHistory(w PointWriter, cfg HistoryConfig, m *metrics.Metrics) *InfluxHistory {
	if cfg.Measurement == "" {
		cfg.Measurement = "feeder_telemetry"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	if cfg.TripAfter == 0 {
		cfg.TripAfter = 3
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	trip := cfg.TripAfter
	return &InfluxHistory{
		writer:      w,
		measurement: cfg.Measurement,
		timeout:     cfg.WriteTimeout,
		metrics:     m,
		lastErr:     time.Now().Add(-24 * time.Hour),
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "influx-history",
			Timeout: cfg.OpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= trip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					zap.String("breaker", name), zap.String("from", from.String()), zap.String("to", to.String()))
			},
		}),
	}
}

// NewInfluxClientHistory builds the history on top of a real Influx client.
func NewInfluxClientHistory(client influxdb2.Client, org, bucket string, cfg HistoryConfig, m *metrics.Metrics) *InfluxHistory {
	return NewInfluxHistory(client.WriteAPIBlocking(org, bucket), cfg, m)
}

func (h *InfluxHistory) RecordTelemetry(ctx context.Context, s Sample) {
	fields := map[string]interface{}{}
	switch v := s.Value.(type) {
	case string:
		fields["status"] = v
	default:
		fields["value"] = v
	}
	tags := map[string]string{
		"feeder_id": s.FeederID,
		"metric":    sanitizeTag(s.Metric),
	}
	h.write(ctx, influxdb2.NewPoint(h.measurement, tags, fields, s.At))
}

func (h *InfluxHistory) RecordDispatch(ctx context.Context, e DispatchEvent) {
	result := "failed"
	if e.Success {
		result = "success"
	}
	tags := map[string]string{
		"feeder_id": e.FeederID,
		"source":    e.Source,
		"kind":      e.Kind,
		"result":    result,
	}
	fields := map[string]interface{}{
		"portion_size": e.PortionSize,
		"count":        int64(1),
	}
	if e.ScheduleID != "" {
		fields["schedule_id"] = e.ScheduleID
	}
	h.write(ctx, influxdb2.NewPoint("feeder_dispatch", tags, fields, e.At))
}

func (h *InfluxHistory) write(ctx context.Context, p *write.Point) {
	_, err := h.cb.Execute(func() (interface{}, error) {
		wctx, cancel := context.WithTimeout(ctx, h.timeout)
		defer cancel()
		return nil, h.writer.WritePoint(wctx, p)
	})
	result := "ok"
	switch {
	case err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests:
		result = "skipped"
	case err != nil:
		result = "error"
		h.mu.Lock()
		h.lastErr = time.Now()
		h.mu.Unlock()
		logger.Warn("history write failed", zap.String("measurement", p.Name()), zap.Error(err))
	}
	if h.metrics != nil {
		h.metrics.HistoryWrites.WithLabelValues(result).Inc()
	}
}

// LastErrorAge is the time since the last failed write.
func (h *InfluxHistory) LastErrorAge() time.Duration {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return time.Since(h.lastErr)
}

// State exposes the breaker state for health reporting.
func (h *InfluxHistory) State() string {
	return h.cb.State().String()
}

func sanitizeTag(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '_', r == '-', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// LatestFlux returns the flux query for the most recent sample per metric of
// one feeder within the last minutes.
func LatestFlux(bucket, measurement, feederID string, minutes int) string {
	return fmt.Sprintf(`
from(bucket: %q)
  |> range(start: -%dm)
  |> filter(fn: (r) => r._measurement == %q and r.feeder_id == %q)
  |> group(columns: ["metric", "_field"])
  |> last()
`, bucket, minutes, measurement, feederID)
}
