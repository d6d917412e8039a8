package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/LeonardoBeccarini/feeder_bridge/pkg/broker"
)

const EnvPrefix = "FEEDER"

// Config is shared by the telemetry, dispatch and feedapi binaries.
type Config struct {
	MQTT      MQTTConfig      `mapstructure:"mqtt"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Influx    InfluxConfig    `mapstructure:"influx"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	Feeding   FeedingConfig   `mapstructure:"feeding"`
	Log       LogConfig       `mapstructure:"log"`
}

type MQTTConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ClientID       string        `mapstructure:"client_id"`
	TLS            bool          `mapstructure:"tls"`
	TopicPrefix    string        `mapstructure:"topic_prefix"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	MaxElapsed     time.Duration `mapstructure:"max_elapsed"`
}

// Broker converts the section into a pkg/broker dial config.
func (c MQTTConfig) Broker() broker.Config {
	return broker.Config{
		Host:           c.Host,
		Port:           c.Port,
		User:           c.User,
		Password:       c.Password,
		ClientID:       c.ClientID,
		TLS:            c.TLS,
		ConnectTimeout: c.ConnectTimeout,
		PublishTimeout: c.PublishTimeout,
		MaxRetries:     c.MaxRetries,
		MaxElapsed:     c.MaxElapsed,
	}
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type InfluxConfig struct {
	URL         string `mapstructure:"url"`
	Token       string `mapstructure:"token"`
	Org         string `mapstructure:"org"`
	Bucket      string `mapstructure:"bucket"`
	Measurement string `mapstructure:"measurement"`
}

// Enabled is false when no Influx endpoint was configured.
func (c InfluxConfig) Enabled() bool {
	return c.URL != "" && c.Token != "" && c.Org != "" && c.Bucket != ""
}

type SchedulerConfig struct {
	Loop         bool          `mapstructure:"loop"`
	Workers      int           `mapstructure:"workers"`
	Lease        time.Duration `mapstructure:"lease"`
	SettleDelay  time.Duration `mapstructure:"settle_delay"`
	TickDeadline time.Duration `mapstructure:"tick_deadline"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type FeedingConfig struct {
	DefaultPortion float64       `mapstructure:"default_portion"`
	MaxPortion     float64       `mapstructure:"max_portion"`
	RateLimit      float64       `mapstructure:"rate_limit"` // manual feeds per second per caller
	RateBurst      int           `mapstructure:"rate_burst"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load reads config/feeder.yaml (or the file named by FEEDER_CONFIG) and
// applies FEEDER_* environment overrides, e.g. FEEDER_MQTT_HOST.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("feeder")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath("/app/config")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.user", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "feeder-bridge")
	v.SetDefault("mqtt.tls", false)
	v.SetDefault("mqtt.topic_prefix", "feeders")
	v.SetDefault("mqtt.connect_timeout", "5s")
	v.SetDefault("mqtt.publish_timeout", "5s")
	v.SetDefault("mqtt.max_retries", 3)
	v.SetDefault("mqtt.max_elapsed", "10s")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:feeder.db?_busy_timeout=5000")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("influx.url", "")
	v.SetDefault("influx.token", "")
	v.SetDefault("influx.org", "")
	v.SetDefault("influx.bucket", "")
	v.SetDefault("influx.measurement", "feeder_telemetry")

	v.SetDefault("scheduler.loop", false)
	v.SetDefault("scheduler.workers", 8)
	v.SetDefault("scheduler.lease", "2m")
	v.SetDefault("scheduler.settle_delay", "2s")
	v.SetDefault("scheduler.tick_deadline", "50s")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", "15s")
	v.SetDefault("http.write_timeout", "30s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("grpc.addr", ":50051")

	v.SetDefault("feeding.default_portion", 50)
	v.SetDefault("feeding.max_portion", 500)
	v.SetDefault("feeding.rate_limit", 0.2)
	v.SetDefault("feeding.rate_burst", 3)
	v.SetDefault("feeding.idempotency_ttl", "10m")

	v.SetDefault("log.level", "info")
}

// Validate checks the invariants the services rely on.
func (c *Config) Validate() error {
	if c.MQTT.Host == "" {
		return errors.New("mqtt host is required")
	}
	if c.MQTT.Port <= 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt port %d out of range", c.MQTT.Port)
	}
	if strings.Trim(c.MQTT.TopicPrefix, "/") == "" {
		return errors.New("mqtt topic prefix is required")
	}
	if strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt topic prefix %q must not contain wildcards", c.MQTT.TopicPrefix)
	}
	if c.MQTT.ConnectTimeout <= 0 || c.MQTT.PublishTimeout <= 0 {
		return errors.New("mqtt connect and publish timeouts must be positive")
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.Scheduler.Workers <= 0 {
		return errors.New("scheduler workers must be positive")
	}
	if c.Scheduler.TickDeadline <= 0 {
		return errors.New("scheduler tick deadline must be positive")
	}
	// a lease must outlive one full dial plus publish
	if c.Scheduler.Lease <= c.MQTT.ConnectTimeout+c.MQTT.PublishTimeout {
		return fmt.Errorf("scheduler lease %s must exceed connect+publish timeout %s",
			c.Scheduler.Lease, c.MQTT.ConnectTimeout+c.MQTT.PublishTimeout)
	}
	if c.Feeding.DefaultPortion <= 0 {
		return errors.New("feeding default portion must be positive")
	}
	if c.Feeding.MaxPortion < c.Feeding.DefaultPortion {
		return errors.New("feeding max portion must be at least the default portion")
	}
	return nil
}
