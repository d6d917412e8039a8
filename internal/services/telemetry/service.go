package telemetry

import (
	"context"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/internal/metrics"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// Service is the long-running telemetry subscriber.
type Service struct {
	consumer  broker.IConsumer
	router    *TopicRouter
	projector *Projector
	metrics   *metrics.Metrics
}

func NewService(consumer broker.IConsumer, router *TopicRouter, projector *Projector, m *metrics.Metrics) *Service {
	return &Service{consumer: consumer, router: router, projector: projector, metrics: m}
}

// HandleMessage routes and projects one message. Malformed topics are dropped.
func (s *Service) HandleMessage(ctx context.Context, topic string, payload []byte) Result {
	route, err := s.router.Parse(topic)
	if err != nil {
		logger.Warn("dropping telemetry on malformed topic", zap.String("topic", topic), zap.Error(err))
		if s.metrics != nil {
			s.metrics.TelemetryMessages.WithLabelValues("dropped").Inc()
		}
		return ResultMalformed
	}
	return s.projector.Apply(ctx, route, payload)
}

// Handler adapts HandleMessage to the consumer callback.
func (s *Service) Handler(ctx context.Context) broker.Handler {
	return func(_ string, m mqtt.Message) error {
		s.HandleMessage(ctx, m.Topic(), m.Payload())
		return nil
	}
}

// Start installs the handler and blocks until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	s.consumer.SetHandler(s.Handler(ctx))
	return s.consumer.ConsumeMessage(ctx)
}
