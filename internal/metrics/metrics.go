package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "feeder"

// Metrics groups the collectors shared by the bridge binaries. Each binary
// registers them on its own registry.
type Metrics struct {
	Registry *prometheus.Registry

	TelemetryMessages *prometheus.CounterVec // result: applied|ignored|malformed|dropped|error
	Dispatches        *prometheus.CounterVec // kind, result: sent|failed|claim_lost
	ManualFeeds       *prometheus.CounterVec // code
	TickDuration      prometheus.Histogram
	PublishDuration   prometheus.Histogram
	HistoryWrites     *prometheus.CounterVec // result
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		TelemetryMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "telemetry_messages_total",
			Help:      "Telemetry messages received, by outcome.",
		}, []string{"result"}),
		Dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Scheduled dispatch attempts, by schedule kind and outcome.",
		}, []string{"kind", "result"}),
		ManualFeeds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "manual_feeds_total",
			Help:      "Manual feed requests, by result code.",
		}, []string{"code"}),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Wall time of one scheduler tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker acknowledgment.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),
		HistoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_writes_total",
			Help:      "Points written to the telemetry history, by outcome.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.TelemetryMessages,
		m.Dispatches,
		m.ManualFeeds,
		m.TickDuration,
		m.PublishDuration,
		m.HistoryWrites,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
