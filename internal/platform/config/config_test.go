package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"GAMEHUB_DATABASE_DSN": "postgres://localhost/gamehub"})
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, BrokerKafka, cfg.Broker.Kind)
	assert.Equal(t, "user-updates", cfg.Broker.Topic)
	assert.Equal(t, "community-group", cfg.Broker.Group)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, StorePostgres, cfg.Store.Kind)
	assert.Equal(t, "acknowledge", cfg.Consumer.Policy)
	assert.Equal(t, 30*time.Second, cfg.Publisher.BreakerCooldown)
	assert.False(t, cfg.Consumer.DeadLetter)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"GAMEHUB_BROKER":            "NATS",
		"GAMEHUB_STORE":             "redis",
		"GAMEHUB_KAFKA_BROKERS":     "a:9092,b:9092",
		"GAMEHUB_RETRY_MAX_ELAPSED": "1m",
	})
	require.NoError(t, err)
	assert.Equal(t, BrokerNATS, cfg.Broker.Kind)
	assert.Equal(t, StoreRedis, cfg.Store.Kind)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, time.Minute, cfg.Consumer.RetryMaxElapsed)
}

func TestLoadFrom_Invalid(t *testing.T) {
	t.Run("sql store without dsn", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{"GAMEHUB_STORE": "sqlite"})
		assert.ErrorContains(t, err, "GAMEHUB_DATABASE_DSN")
	})
	t.Run("unknown kinds are all reported", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{"GAMEHUB_BROKER": "rabbit", "GAMEHUB_STORE": "mongo"})
		assert.ErrorContains(t, err, "rabbit")
		assert.ErrorContains(t, err, "mongo")
	})
	t.Run("malformed duration", func(t *testing.T) {
		_, err := LoadFrom(map[string]string{"GAMEHUB_STORE": "memory", "GAMEHUB_DRAIN_TIMEOUT": "soon"})
		assert.ErrorContains(t, err, "parse env")
	})
}
