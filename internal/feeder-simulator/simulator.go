package feeder_simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/entities"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/services/telemetry"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/dedup"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// FeederSimulator plays one device: it reports telemetry on an interval and
// executes dispense commands received on its command topic.
type FeederSimulator struct {
	feederID       string
	prefix         string
	defaultPortion float64
	model          *FeederModel
	publisher      broker.IPublisher
	consumer       broker.IConsumer
	deduper        dedup.IDeduper
	now            func() time.Time
}

func NewFeederSimulator(feederID, prefix string, defaultPortion float64, consumer broker.IConsumer,
	publisher broker.IPublisher, model *FeederModel) *FeederSimulator {
	return &FeederSimulator{
		feederID:       feederID,
		prefix:         strings.TrimRight(prefix, "/"),
		defaultPortion: defaultPortion,
		model:          model,
		publisher:      publisher,
		consumer:       consumer,
		deduper:        dedup.New(2 * time.Minute),
		now:            time.Now,
	}
}

// Start reports once immediately, then every interval until ctx is done. On
// the way out it reports the offline status.
func (s *FeederSimulator) Start(ctx context.Context, interval time.Duration) {
	s.consumer.SetHandler(s.handleCommand)
	go func() {
		if err := s.consumer.ConsumeMessage(ctx); err != nil {
			logger.Error("command consumer stopped", zap.Error(err))
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.report(ctx)
	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s.publish(sctx, telemetry.MetricStatus, entities.StatusOffline)
			cancel()
			s.publisher.Close()
			return
		case <-ticker.C:
			s.report(ctx)
		}
	}
}

func (s *FeederSimulator) report(ctx context.Context) {
	s.model.Advance(s.now())
	for _, r := range s.model.Readings() {
		s.publish(ctx, r.Metric, r.Payload)
	}
}

func (s *FeederSimulator) publish(ctx context.Context, metric, payload string) {
	topic := s.prefix + "/" + s.feederID + "/" + metric
	if err := s.publisher.Publish(ctx, topic, 0, []byte(payload)); err != nil {
		logger.Warn("telemetry publish failed", zap.String("topic", topic), zap.Error(err))
	}
}

// handleCommand executes a dispense. QoS 1 redeliveries carry the dup flag
// and the same packet id; those are dropped.
func (s *FeederSimulator) handleCommand(_ string, msg mqtt.Message) error {
	ctx := context.Background()
	first, err := s.deduper.ShouldProcess(ctx, strconv.Itoa(int(msg.MessageID())))
	if err == nil && !first && msg.Duplicate() {
		return nil
	}

	var cmd messages.DispenseCommand
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		return fmt.Errorf("invalid command payload: %w", err)
	}
	if cmd.Command != messages.CommandDispense {
		return fmt.Errorf("unsupported command %q", cmd.Command)
	}
	portion := s.defaultPortion
	if cmd.PortionSize != nil && *cmd.PortionSize > 0 {
		portion = *cmd.PortionSize
	}

	moved := s.model.Dispense(portion)
	logger.Info("dispensed",
		zap.String("feeder_id", s.feederID), zap.Float64("requested", portion), zap.Float64("moved", moved))
	s.report(ctx)
	return nil
}
