package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/config"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/feedapi"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/store"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/dedup"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level, "feedapi"); err != nil {
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

	// idempotency keys are shared through redis when there is more than one replica
	var deduper dedup.IDeduper = dedup.New(cfg.Feeding.IdempotencyTTL)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() { _ = rdb.Close() }()
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := rdb.Ping(pctx).Err(); err != nil {
			logger.Warn("redis unreachable at startup, idempotency checks will fail until it is back",
				zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		deduper = dedup.NewRedis(rdb, "feeder:idem:", cfg.Feeding.IdempotencyTTL)
	}

	bcfg := cfg.MQTT.Broker()
	bcfg.ClientID = cfg.MQTT.ClientID + "-feedapi"
	h := feedapi.NewHandler(st, broker.NewMQTTTransport(bcfg), recorder, m, feedapi.Options{
		TopicPrefix:    cfg.MQTT.TopicPrefix,
		DefaultPortion: cfg.Feeding.DefaultPortion,
		MaxPortion:     cfg.Feeding.MaxPortion,
	}).
		WithDeduper(deduper).
		WithLimiter(feedapi.NewLimiter(cfg.Feeding.RateLimit, cfg.Feeding.RateBurst))

	// ---- gRPC ----
	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		logger.L().Fatal("grpc listen", zap.String("addr", cfg.GRPC.Addr), zap.Error(err))
	}
	gs, healthSrv := feedapi.NewGRPC(h)
	go func() {
		logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
		if err := gs.Serve(lis); err != nil {
			logger.L().Fatal("grpc serve", zap.Error(err))
		}
	}()

	// ---- HTTP ----
	gin.SetMode(gin.ReleaseMode)
	hs := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      feedapi.NewRouter(h, m, st.Ping),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTP.Addr))
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.L().Fatal("http server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	healthSrv.SetServingStatus(feedapi.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	shCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(shCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	gs.GracefulStop()
}
