package broker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/logger"
)

// ErrConnectTimeout is returned when the broker never acknowledges CONNECT in time.
var ErrConnectTimeout = errors.New("mqtt connect timed out")

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	ClientID string
	TLS      bool

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	MaxRetries     int
	MaxElapsed     time.Duration

	// OnConnect runs after every (re)connect; subscribers use it to restore subscriptions.
	OnConnect func(mqtt.Client)
}

func (c *Config) BrokerURL() string {
	scheme := "tcp"
	if c.TLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 5 * time.Second
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 5 * time.Second
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = 3
	}
	if out.MaxElapsed <= 0 {
		out.MaxElapsed = 10 * time.Second
	}
	return out
}

// Dial connects to the broker, retrying with exponential backoff. Every attempt is
// bounded by ConnectTimeout and the whole loop by ctx and MaxElapsed, so a broker
// that never answers cannot hang the caller.
func Dial(ctx context.Context, cfg *Config) (mqtt.Client, error) {
	c := cfg.withDefaults()
	addr := c.BrokerURL()

	opts := mqtt.NewClientOptions()
	opts.AddBroker(addr)
	opts.SetUsername(c.User)
	opts.SetPassword(c.Password)
	opts.SetClientID(c.ClientID)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(c.ConnectTimeout)
	opts.SetConnectRetry(false)
	if c.TLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if c.OnConnect != nil {
		opts.SetOnConnectHandler(c.OnConnect)
		opts.SetAutoReconnect(true)
	} else {
		opts.SetAutoReconnect(false)
	}
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.String("broker", addr), zap.Error(err))
	})

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = c.MaxElapsed

	var client mqtt.Client
	err := backoff.Retry(func() error {
		client = mqtt.NewClient(opts)
		token := client.Connect()
		if !token.WaitTimeout(c.ConnectTimeout) {
			logger.Warn("mqtt connect timed out", zap.String("broker", addr))
			client.Disconnect(0)
			return ErrConnectTimeout
		}
		if err := token.Error(); err != nil {
			logger.Warn("mqtt connect failed", zap.String("broker", addr), zap.Error(err))
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.MaxRetries-1)), ctx))
	if err != nil {
		return nil, fmt.Errorf("could not establish MQTT connection to %s: %w", addr, err)
	}

	logger.Debug("mqtt connected", zap.String("broker", addr), zap.String("client_id", c.ClientID))
	return client, nil
}

// Close disconnects the client, letting in-flight work settle for quiesce.
func Close(client mqtt.Client, quiesce time.Duration) {
	if client == nil || !client.IsConnected() {
		return
	}
	client.Disconnect(uint(quiesce.Milliseconds()))
	logger.Debug("mqtt connection closed")
}
