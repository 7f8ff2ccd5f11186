// Package config loads process configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Broker and store kinds.
const (
	BrokerKafka  = "kafka"
	BrokerNATS   = "nats"
	BrokerMemory = "memory"

	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
	StoreRedis    = "redis"
	StoreMemory   = "memory"
)

// Config is the replicator's full configuration.
type Config struct {
	Server    Server
	Log       Log
	Broker    Broker
	Kafka     Kafka
	NATS      NATS
	Store     Store
	Redis     Redis
	Consumer  Consumer
	Publisher Publisher
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"GAMEHUB_HTTP_ADDR"        envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"GAMEHUB_SHUTDOWN_TIMEOUT" envDefault:"20s"`
}

type Log struct {
	Level  string `env:"GAMEHUB_LOG_LEVEL"  envDefault:"info"`
	Format string `env:"GAMEHUB_LOG_FORMAT" envDefault:"json"`
}

type Broker struct {
	Kind  string `env:"GAMEHUB_BROKER"       envDefault:"kafka"`
	Topic string `env:"GAMEHUB_TOPIC"        envDefault:"user-updates"`
	Group string `env:"GAMEHUB_CONSUMER_GROUP" envDefault:"community-group"`
}

type Kafka struct {
	Brokers           []string `env:"GAMEHUB_KAFKA_BROKERS"            envSeparator:"," envDefault:"localhost:9092"`
	ClientID          string   `env:"GAMEHUB_KAFKA_CLIENT_ID"          envDefault:"gamehub-usersync"`
	Partitions        int32    `env:"GAMEHUB_KAFKA_PARTITIONS"         envDefault:"6"`
	ReplicationFactor int16    `env:"GAMEHUB_KAFKA_REPLICATION_FACTOR" envDefault:"1"`
	CreateTopics      bool     `env:"GAMEHUB_KAFKA_CREATE_TOPICS"      envDefault:"true"`
	MaxPollRecords    int      `env:"GAMEHUB_KAFKA_MAX_POLL_RECORDS"   envDefault:"500"`
}

type NATS struct {
	URL    string        `env:"GAMEHUB_NATS_URL"     envDefault:"nats://localhost:4222"`
	Stream string        `env:"GAMEHUB_NATS_STREAM"  envDefault:"USERSYNC"`
	MaxAge time.Duration `env:"GAMEHUB_NATS_MAX_AGE" envDefault:"168h"`
}

type Store struct {
	Kind            string        `env:"GAMEHUB_STORE"                envDefault:"postgres"`
	DSN             string        `env:"GAMEHUB_DATABASE_DSN"`
	MaxOpenConns    int           `env:"GAMEHUB_DATABASE_MAX_OPEN"    envDefault:"10"`
	MaxIdleConns    int           `env:"GAMEHUB_DATABASE_MAX_IDLE"    envDefault:"5"`
	ConnMaxLifetime time.Duration `env:"GAMEHUB_DATABASE_MAX_LIFETIME" envDefault:"30m"`
	Migrate         bool          `env:"GAMEHUB_DATABASE_MIGRATE"     envDefault:"true"`
}

// Redis holds connection settings for the redis replica store.
type Redis struct {
	URL          string        `env:"GAMEHUB_REDIS_URL"            envDefault:"redis://localhost:6379/0"`
	Prefix       string        `env:"GAMEHUB_REDIS_PREFIX"         envDefault:"{replica}:"`
	PoolSize     int           `env:"GAMEHUB_REDIS_POOL_SIZE"      envDefault:"10"`
	MinIdleConns int           `env:"GAMEHUB_REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"GAMEHUB_REDIS_DIAL_TIMEOUT"   envDefault:"5s"`
	ReadTimeout  time.Duration `env:"GAMEHUB_REDIS_READ_TIMEOUT"   envDefault:"3s"`
	WriteTimeout time.Duration `env:"GAMEHUB_REDIS_WRITE_TIMEOUT"  envDefault:"3s"`
}

// Consumer configures the dispatcher failure policy.
type Consumer struct {
	Policy           string        `env:"GAMEHUB_FAILURE_POLICY"    envDefault:"acknowledge"`
	RetryInitial     time.Duration `env:"GAMEHUB_RETRY_INITIAL"     envDefault:"100ms"`
	RetryMaxInterval time.Duration `env:"GAMEHUB_RETRY_MAX_INTERVAL" envDefault:"5s"`
	RetryMaxElapsed  time.Duration `env:"GAMEHUB_RETRY_MAX_ELAPSED" envDefault:"30s"`
	RetryMaxAttempts uint64        `env:"GAMEHUB_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	DeadLetter       bool          `env:"GAMEHUB_DEAD_LETTER"       envDefault:"false"`
	Concurrency      int           `env:"GAMEHUB_CONSUMER_CONCURRENCY" envDefault:"0"`
	DrainTimeout     time.Duration `env:"GAMEHUB_DRAIN_TIMEOUT"     envDefault:"15s"`
}

// Publisher configures the owning-side breaker.
type Publisher struct {
	BreakerThreshold int           `env:"GAMEHUB_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"GAMEHUB_BREAKER_COOLDOWN"  envDefault:"30s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// LoadFrom parses vars instead of the process environment.
func LoadFrom(vars map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: vars}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	c.Broker.Kind = strings.ToLower(c.Broker.Kind)
	c.Store.Kind = strings.ToLower(c.Store.Kind)

	var errs []error
	switch c.Broker.Kind {
	case BrokerKafka, BrokerNATS, BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("GAMEHUB_BROKER: unknown broker %q", c.Broker.Kind))
	}
	switch c.Store.Kind {
	case StorePostgres, StoreSQLite:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("GAMEHUB_DATABASE_DSN is required for store %q", c.Store.Kind))
		}
	case StoreRedis, StoreMemory:
	default:
		errs = append(errs, fmt.Errorf("GAMEHUB_STORE: unknown store %q", c.Store.Kind))
	}
	if c.Broker.Topic == "" {
		errs = append(errs, errors.New("GAMEHUB_TOPIC must not be empty"))
	}
	if c.Broker.Group == "" {
		errs = append(errs, errors.New("GAMEHUB_CONSUMER_GROUP must not be empty"))
	}
	return errors.Join(errs...)
}
