package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/internal/model/messages"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// CommandQoS is the delivery level for dispense commands.
const CommandQoS byte = 1

// CommandPublisher sends dispense commands on one broker session. It does not
// own the session; whoever opened it closes it.
type CommandPublisher struct {
	pub     broker.IPublisher
	prefix  string
	metrics *metrics.Metrics
}

func NewCommandPublisher(pub broker.IPublisher, prefix string, m *metrics.Metrics) *CommandPublisher {
	return &CommandPublisher{pub: pub, prefix: prefix, metrics: m}
}

// Dispense publishes {"command":"dispense","portionSize":p} to the feeder's
// command topic and returns once the broker acknowledged it.
func (c *CommandPublisher) Dispense(ctx context.Context, feederID string, portion float64) error {
	payload, err := json.Marshal(messages.NewDispense(portion))
	if err != nil {
		return fmt.Errorf("encode dispense command: %w", err)
	}
	topic := messages.CommandTopic(c.prefix, feederID)

	start := time.Now()
	err = c.pub.Publish(ctx, topic, CommandQoS, payload)
	if c.metrics != nil {
		c.metrics.PublishDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return err
	}
	logger.Info("dispense command published",
		zap.String("feeder_id", feederID), zap.String("topic", topic), zap.Float64("portion", portion))
	return nil
}

// SendOnce opens a session, publishes one dispense command and closes the
// session before returning.
func SendOnce(ctx context.Context, t broker.Transport, prefix, feederID string, portion float64, m *metrics.Metrics) error {
	pub, err := t.Open(ctx)
	if err != nil {
		return fmt.Errorf("open broker session: %w", err)
	}
	defer pub.Close()
	return NewCommandPublisher(pub, prefix, m).Dispense(ctx, feederID, portion)
}
