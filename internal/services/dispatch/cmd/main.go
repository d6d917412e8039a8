package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/config"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/dispatch"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// main runs one scheduler tick and exits, for cron-style triggers. With
// scheduler.loop=true it keeps running and ticks at every minute boundary.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level, "dispatch"); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.L().Fatal("database init", zap.Error(err))
	}
	st := store.NewGormStore(db)
	m := metrics.New()

	var recorder telemetry.Recorder = telemetry.NopRecorder{}
	if cfg.Influx.Enabled() {
		influx := influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()
		recorder = telemetry.NewInfluxClientHistory(influx, cfg.Influx.Org, cfg.Influx.Bucket,
			telemetry.HistoryConfig{Measurement: cfg.Influx.Measurement}, m)
	}

	bcfg := cfg.MQTT.Broker()
	bcfg.ClientID = cfg.MQTT.ClientID + "-dispatch"
	orch := dispatch.NewOrchestrator(
		st,
		dispatch.NewEvaluator(st, cfg.Feeding.DefaultPortion, 500),
		broker.NewMQTTTransport(bcfg),
		recorder,
		m,
		dispatch.Options{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			Workers:     cfg.Scheduler.Workers,
			Lease:       cfg.Scheduler.Lease,
			SettleDelay: cfg.Scheduler.SettleDelay,
		},
	)

	if !cfg.Scheduler.Loop {
		tctx, cancel := context.WithTimeout(ctx, cfg.Scheduler.TickDeadline)
		defer cancel()
		report, err := orch.Tick(tctx)
		if err != nil {
			logger.Error("tick failed", zap.Error(err), zap.Int("due", report.Due))
			logger.Sync()
			os.Exit(1)
		}
		return
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/readyz", func(c *gin.Context) {
		pctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := st.Ping(pctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false})
			return
		}
		c.JSON(http.StatusOK, gin.H{"ready": true})
	})
	r.GET("/metrics", gin.WrapH(m.Handler()))
	hs := &http.Server{Addr: cfg.HTTP.Addr, Handler: r, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server error", zap.Error(err))
		}
	}()

	logger.Info("scheduler loop running", zap.Int("workers", cfg.Scheduler.Workers))
	orch.Run(ctx, cfg.Scheduler.TickDeadline)

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = hs.Shutdown(shCtx)
}
