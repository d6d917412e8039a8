package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "feeders", cfg.MQTT.TopicPrefix)
	assert.Equal(t, 5*time.Second, cfg.MQTT.PublishTimeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.Lease)
	assert.False(t, cfg.Scheduler.Loop)
	assert.Equal(t, 50.0, cfg.Feeding.DefaultPortion)
	assert.False(t, cfg.Influx.Enabled())
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "feeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mqtt:
  host: broker.local
  topic_prefix: petfeeder
scheduler:
  loop: true
  workers: 2
influx:
  url: http://influx:8086
  token: tok
  org: home
  bucket: feeders
`), 0o600))

	t.Setenv("FEEDER_CONFIG", path)
	t.Setenv("FEEDER_MQTT_HOST", "env-broker")
	t.Setenv("FEEDER_FEEDING_DEFAULT_PORTION", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "env-broker", cfg.MQTT.Host)
	assert.Equal(t, "petfeeder", cfg.MQTT.TopicPrefix)
	assert.True(t, cfg.Scheduler.Loop)
	assert.Equal(t, 2, cfg.Scheduler.Workers)
	assert.Equal(t, 30.0, cfg.Feeding.DefaultPortion)
	assert.True(t, cfg.Influx.Enabled())
}

func TestLoadBrokenFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feeder.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mqtt: [unterminated"), 0o600))
	t.Setenv("FEEDER_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			MQTT: MQTTConfig{
				Host: "h", Port: 1883, TopicPrefix: "feeders",
				ConnectTimeout: 5 * time.Second, PublishTimeout: 5 * time.Second,
			},
			Database:  DatabaseConfig{Driver: "sqlite", DSN: "file::memory:"},
			Scheduler: SchedulerConfig{Workers: 1, Lease: time.Minute, TickDeadline: 50 * time.Second},
			Feeding:   FeedingConfig{DefaultPortion: 50, MaxPortion: 100},
		}
	}
	base := valid()
	require.NoError(t, base.Validate())

	cases := map[string]func(c *Config){
		"no host":         func(c *Config) { c.MQTT.Host = "" },
		"bad port":        func(c *Config) { c.MQTT.Port = 70000 },
		"wildcard prefix": func(c *Config) { c.MQTT.TopicPrefix = "feeders/#" },
		"empty prefix":    func(c *Config) { c.MQTT.TopicPrefix = "/" },
		"bad driver":      func(c *Config) { c.Database.Driver = "mysql" },
		"no workers":      func(c *Config) { c.Scheduler.Workers = 0 },
		"short lease":     func(c *Config) { c.Scheduler.Lease = 10 * time.Second },
		"no deadline":     func(c *Config) { c.Scheduler.TickDeadline = 0 },
		"zero portion":    func(c *Config) { c.Feeding.DefaultPortion = 0 },
		"max below def":   func(c *Config) { c.Feeding.MaxPortion = 10 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := valid()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}
