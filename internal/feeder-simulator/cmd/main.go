package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/config"
	feederSimulator "github.com/LeonardoBeccarini/feeder_bridge/internal/feeder-simulator"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

func main() {
	feederID := flag.String("feeder-id", "feeder1", "unique feeder identifier")
	interval := flag.Duration("interval", 30*time.Second, "telemetry interval")
	defaultPortion := flag.Float64("default-portion", 50, "grams dispensed when a command carries no portion")
	eatRate := flag.Float64("eat-rate", 0.5, "grams eaten per minute")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	if err := logger.Init(cfg.Log.Level, "feeder-simulator"); err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumer := broker.NewConsumer(nil, messages.CommandTopic(cfg.MQTT.TopicPrefix, *feederID), 1, nil)
	bcfg := cfg.MQTT.Broker()
	bcfg.ClientID = "sim-" + *feederID
	bcfg.OnConnect = func(c mqtt.Client) { consumer.Resubscribe(c) }
	client, err := broker.Dial(ctx, &bcfg)
	if err != nil {
		logger.L().Fatal("mqtt connect", zap.Error(err))
	}
	consumer.SetClient(client)

	tun := feederSimulator.DefaultTunables()
	tun.EatPerMin = *eatRate
	model := feederSimulator.NewFeederModel(tun, time.Now(), time.Now().UnixNano())
	sim := feederSimulator.NewFeederSimulator(*feederID, cfg.MQTT.TopicPrefix, *defaultPortion,
		consumer, broker.NewPublisher(client, bcfg.PublishTimeout), model)

	logger.Info("feeder simulator running", zap.String("feeder_id", *feederID), zap.Duration("interval", *interval))
	sim.Start(ctx, *interval)
}
