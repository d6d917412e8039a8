package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/config"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level, "telemetry"); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// === Store ===
	db, err := store.Open(cfg.Database)
	if err != nil {
		logger.L().Fatal("database init", zap.Error(err))
	}
	st := store.NewGormStore(db)
	m := metrics.New()

	// === History ===
	var (
		recorder telemetry.Recorder = telemetry.NopRecorder{}
		history  *telemetry.InfluxHistory
		influx   influxdb2.Client
	)
	if cfg.Influx.Enabled() {
		influx = influxdb2.NewClient(cfg.Influx.URL, cfg.Influx.Token)
		defer influx.Close()
		history = telemetry.NewInfluxClientHistory(influx, cfg.Influx.Org, cfg.Influx.Bucket,
			telemetry.HistoryConfig{Measurement: cfg.Influx.Measurement}, m)
		recorder = history
	} else {
		logger.Info("influx not configured, telemetry history disabled")
	}

	// === MQTT ===
	filter := messages.TelemetryFilter(cfg.MQTT.TopicPrefix)
	consumer := broker.NewConsumer(nil, filter, 0, nil)
	projector := telemetry.NewProjector(st, telemetry.WithHistory(recorder), telemetry.WithMetrics(m))
	svc := telemetry.NewService(consumer, telemetry.NewTopicRouter(cfg.MQTT.TopicPrefix), projector, m)
	// installed before Dial so the OnConnect subscription has a handler
	consumer.SetHandler(svc.Handler(ctx))

	bcfg := cfg.MQTT.Broker()
	bcfg.ClientID = cfg.MQTT.ClientID + "-telemetry"
	bcfg.OnConnect = func(c mqtt.Client) { consumer.Resubscribe(c) }
	client, err := broker.Dial(ctx, &bcfg)
	if err != nil {
		logger.L().Fatal("mqtt connect", zap.Error(err))
	}
	defer broker.Close(client, 250*time.Millisecond)
	consumer.SetClient(client)

	// === HTTP ===
	gin.SetMode(gin.ReleaseMode)
	ops := telemetry.NewOpsRouter(telemetry.OpsDeps{
		MQTT:        client,
		Store:       st,
		History:     history,
		Influx:      influx,
		Org:         cfg.Influx.Org,
		Bucket:      cfg.Influx.Bucket,
		Measurement: cfg.Influx.Measurement,
		Metrics:     m,
	})
	hs := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           ops,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server error", zap.Error(err))
		}
	}()

	logger.Info("telemetry subscriber running", zap.String("filter", filter))
	if err := svc.Start(ctx); err != nil {
		logger.Error("consumer stopped", zap.Error(err))
	}

	logger.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	_ = hs.Shutdown(shCtx)
}
