package broker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// Transport opens one broker session per unit of work (a scheduler tick, a manual
// feed call). Sessions are never shared between invocations.
type Transport interface {
	Open(ctx context.Context) (IPublisher, error)
}

// MQTTTransport dials a fresh client for every Open.
type MQTTTransport struct {
	cfg Config
}

func NewMQTTTransport(cfg Config) *MQTTTransport {
	return &MQTTTransport{cfg: cfg.withDefaults()}
}

func (t *MQTTTransport) Open(ctx context.Context) (IPublisher, error) {
	cfg := t.cfg
	// Brokers kick the older session on client id reuse, so overlapping
	// invocations each get their own id.
	cfg.ClientID = fmt.Sprintf("%s-%s", t.cfg.ClientID, uuid.NewString()[:8])
	cfg.OnConnect = nil

	client, err := Dial(ctx, &cfg)
	if err != nil {
		return nil, err
	}
	return NewPublisher(client, cfg.PublishTimeout), nil
}
