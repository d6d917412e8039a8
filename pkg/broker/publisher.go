package broker

import (
	"context"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// IPublisher publishes raw payloads and owns the connection it publishes on.
type IPublisher interface {
	Publish(ctx context.Context, topic string, qos byte, payload []byte) error
	Close()
}

// Publisher publishes on a dedicated MQTT client.
type Publisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func NewPublisher(client mqtt.Client, timeout time.Duration) *Publisher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{client: client, timeout: timeout}
}

// Publish waits for the broker acknowledgment (PUBACK for QoS 1), the publish
// timeout, or ctx, whichever comes first.
func (p *Publisher) Publish(ctx context.Context, topic string, qos byte, payload []byte) error {
	token := p.client.Publish(topic, qos, false, payload)

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-timer.C:
		return fmt.Errorf("publish to %s: timed out after %s", topic, p.timeout)
	case <-ctx.Done():
		return fmt.Errorf("publish to %s: %w", topic, ctx.Err())
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	logger.Debug("mqtt message published", zap.String("topic", topic), zap.Int("bytes", len(payload)))
	return nil
}

// Close disconnects the underlying client.
func (p *Publisher) Close() {
	Close(p.client, 250*time.Millisecond)
}
