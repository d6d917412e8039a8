package broker

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// Handler processes one inbound message. Returned errors are logged, never redelivered.
type Handler func(topic string, message mqtt.Message) error

// IConsumer subscribes to a topic filter and blocks until ctx is cancelled.
type IConsumer interface {
	ConsumeMessage(ctx context.Context) error
	SetHandler(handler Handler)
	Resubscribe(client mqtt.Client)
}

// Consumer holds the client, topic filter and handler for one subscription.
// The handler may be installed after Dial; paho's router reads it concurrently.
type Consumer struct {
	mu      sync.RWMutex
	client  mqtt.Client
	handler Handler
	topic   string
	qos     byte
}

func NewConsumer(client mqtt.Client, topic string, qos byte, handler Handler) *Consumer {
	return &Consumer{
		client:  client,
		topic:   topic,
		qos:     qos,
		handler: handler,
	}
}

func (c *Consumer) SetHandler(handler Handler) {
	c.mu.Lock()
	c.handler = handler
	c.mu.Unlock()
}

func (c *Consumer) currentHandler() Handler {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.handler
}

// SetClient attaches the client when it is created after the consumer, which is
// the case when Resubscribe is wired as the client's OnConnect callback.
func (c *Consumer) SetClient(client mqtt.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()
}

func (c *Consumer) callback(_ mqtt.Client, message mqtt.Message) {
	handler := c.currentHandler()
	if handler == nil {
		logger.Warn("no handler set for subscription", zap.String("topic", c.topic))
		return
	}
	if err := handler(c.topic, message); err != nil {
		logger.Warn("error handling message", zap.String("topic", message.Topic()), zap.Error(err))
	}
}

func (c *Consumer) subscribe(client mqtt.Client) error {
	token := client.Subscribe(c.topic, c.qos, c.callback)
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, token.Error())
	}
	logger.Info("subscribed", zap.String("topic", c.topic), zap.Uint8("qos", c.qos))
	return nil
}

// Resubscribe restores the subscription after a reconnect; clean sessions drop it.
// Before a handler is installed it does nothing, so the first connect inside
// Dial cannot receive messages nobody handles; ConsumeMessage subscribes then.
func (c *Consumer) Resubscribe(client mqtt.Client) {
	if c.currentHandler() == nil {
		logger.Debug("handler not installed yet, deferring subscribe", zap.String("topic", c.topic))
		return
	}
	if err := c.subscribe(client); err != nil {
		logger.Error("resubscribe failed", zap.Error(err))
	}
}

// ConsumeMessage subscribes and blocks until ctx is done, then unsubscribes.
func (c *Consumer) ConsumeMessage(ctx context.Context) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return fmt.Errorf("consumer for %s has no client", c.topic)
	}
	if !client.IsConnectionOpen() {
		// OnConnect has not fired yet; it will subscribe once connected.
		logger.Warn("consumer started before connection was open", zap.String("topic", c.topic))
	} else if err := c.subscribe(client); err != nil {
		return err
	}

	<-ctx.Done()

	client.Unsubscribe(c.topic).Wait()
	return nil
}
