package telemetry

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
)

// Connected reports whether the subscription connection is up.
type Connected interface {
	IsConnectionOpen() bool
}

// OpsDeps are the collaborators behind the telemetry operations endpoints.
// History and Influx are optional.
type OpsDeps struct {
	MQTT        Connected
	Store       store.Store
	History     *InfluxHistory
	Influx      influxdb2.Client
	Org         string
	Bucket      string
	Measurement string
	Metrics     *metrics.Metrics
}

type healthStatus struct {
	Status          string  `json:"status"`
	MQTTConnected   bool    `json:"mqtt_connected"`
	StoreOK         bool    `json:"store_ok"`
	HistoryBreaker  string  `json:"history_breaker,omitempty"`
	LastWriteErrorS float64 `json:"last_write_error_age_sec,omitempty"`
}

func (d OpsDeps) check(ctx context.Context) healthStatus {
	st := healthStatus{MQTTConnected: d.MQTT != nil && d.MQTT.IsConnectionOpen()}
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	st.StoreOK = d.Store != nil && d.Store.Ping(pctx) == nil
	if d.History != nil {
		st.HistoryBreaker = d.History.State()
		st.LastWriteErrorS = d.History.LastErrorAge().Seconds()
	}
	switch {
	case st.MQTTConnected && st.StoreOK:
		st.Status = "ok"
	case st.MQTTConnected || st.StoreOK:
		st.Status = "degraded"
	default:
		st.Status = "down"
	}
	return st
}

// NewOpsRouter serves /healthz, /readyz, /metrics and the latest-telemetry lookup.
func NewOpsRouter(d OpsDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.check(c.Request.Context()))
	})
	r.GET("/readyz", func(c *gin.Context) {
		st := d.check(c.Request.Context())
		code := http.StatusOK
		if st.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"ready": code == http.StatusOK})
	})
	if d.Metrics != nil {
		r.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}
	if d.Influx != nil {
		r.GET("/feeders/:feederId/telemetry/latest", latestHandler(d))
	}
	return r
}

type latestSample struct {
	Metric string `json:"metric"`
	Value  any    `json:"value"`
	Time   string `json:"time"`
}

// latestHandler answers GET /feeders/:feederId/telemetry/latest?minutes=1440
func latestHandler(d OpsDeps) gin.HandlerFunc {
	return func(c *gin.Context) {
		minutes := 24 * 60
		if s := strings.TrimSpace(c.Query("minutes")); s != "" {
			if n, err := strconv.Atoi(s); err == nil && n > 0 && n <= 7*24*60 {
				minutes = n
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		res, err := d.Influx.QueryAPI(d.Org).Query(ctx, LatestFlux(d.Bucket, d.Measurement, c.Param("feederId"), minutes))
		if err != nil {
			c.Header("X-Error", "influx-query-error")
			c.JSON(http.StatusBadGateway, gin.H{"error": "history unavailable"})
			return
		}
		defer func() { _ = res.Close() }()

		out := make([]latestSample, 0, 8)
		for res.Next() {
			rec := res.Record()
			metric, _ := rec.ValueByKey("metric").(string)
			out = append(out, latestSample{
				Metric: metric,
				Value:  rec.Value(),
				Time:   rec.Time().UTC().Format(time.RFC3339),
			})
		}
		if res.Err() != nil {
			c.Header("X-Error", "influx-iter-error")
		}
		c.JSON(http.StatusOK, out)
	}
}
