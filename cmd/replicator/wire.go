package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gamehub/internal/platform/config"
	"gamehub/internal/platform/database"
	"gamehub/internal/platform/kafka"
	"gamehub/internal/platform/kafka/consumer"
	"gamehub/internal/platform/kafka/producer"
	"gamehub/internal/platform/natsjs"
	"gamehub/internal/platform/redis"
	"gamehub/internal/usersync/broker"
	"gamehub/internal/usersync/broker/memory"
	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/replica"
	memorystore "gamehub/internal/usersync/replica/store/memory"
	redisstore "gamehub/internal/usersync/replica/store/redis"
	"gamehub/internal/usersync/replica/store/sqlstore"
)

type storeHandle struct {
	replica.Store
	Health func(ctx context.Context) error
	close  func()
}

func (h *storeHandle) Close() {
	if h.close != nil {
		h.close()
	}
}

func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (*storeHandle, error) {
	switch cfg.Store.Kind {
	case config.StorePostgres, config.StoreSQLite:
		db, err := database.Open(ctx, database.Config{
			Driver:          cfg.Store.Kind,
			DSN:             cfg.Store.DSN,
			MaxOpenConns:    cfg.Store.MaxOpenConns,
			MaxIdleConns:    cfg.Store.MaxIdleConns,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		})
		if err != nil {
			return nil, err
		}
		dialect, err := sqlstore.DialectFor(cfg.Store.Kind)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		if cfg.Store.Migrate {
			if err := sqlstore.Migrate(ctx, db, dialect); err != nil {
				_ = db.Close()
				return nil, err
			}
			log.Info("replica schema migrated", "store", cfg.Store.Kind)
		}
		return &storeHandle{
			Store:  sqlstore.New(db, dialect),
			Health: db.PingContext,
			close:  func() { _ = db.Close() },
		}, nil
	case config.StoreRedis:
		client, err := redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			Store:  redisstore.New(client.Client, redisstore.WithPrefix(cfg.Redis.Prefix)),
			Health: client.Health,
			close:  func() { _ = client.Close() },
		}, nil
	case config.StoreMemory:
		log.Warn("using in-memory replica store; replicas are lost on restart")
		return &storeHandle{Store: memorystore.New(), Health: func(context.Context) error { return nil }}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store.Kind)
}

type brokerHandle struct {
	source   broker.Source
	producer broker.Producer
	Health   func(ctx context.Context) error
	close    func()
}

func (h *brokerHandle) Close() {
	h.source.Close()
	if h.close != nil {
		h.close()
	}
}

func openBroker(ctx context.Context, cfg config.Config, log *slog.Logger) (*brokerHandle, error) {
	topic := cfg.Broker.Topic
	switch cfg.Broker.Kind {
	case config.BrokerKafka:
		conn := kafka.Config{Brokers: cfg.Kafka.Brokers, ClientID: cfg.Kafka.ClientID}
		if cfg.Kafka.CreateTopics {
			specs := []kafka.TopicSpec{{Name: topic, Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor}}
			if cfg.Consumer.DeadLetter {
				specs = append(specs, kafka.TopicSpec{Name: dispatcher.DeadLetterTopic(topic), Partitions: cfg.Kafka.Partitions, ReplicationFactor: cfg.Kafka.ReplicationFactor})
			}
			if err := kafka.EnsureTopics(ctx, conn, specs...); err != nil {
				return nil, err
			}
		}
		src, err := consumer.New(conn, consumer.Config{Topic: topic, Group: cfg.Broker.Group, MaxPollRecords: cfg.Kafka.MaxPollRecords}, log)
		if err != nil {
			return nil, err
		}
		prod, err := producer.New(conn, producer.WithLogger(log))
		if err != nil {
			src.Close()
			return nil, err
		}
		return &brokerHandle{
			source:   src,
			producer: prod,
			Health:   src.Ping,
			close: func() {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				prod.Close(flushCtx)
			},
		}, nil
	case config.BrokerNATS:
		conn, err := natsjs.Connect(cfg.NATS.URL, log)
		if err != nil {
			return nil, err
		}
		if err := natsjs.EnsureStream(ctx, conn.JS, natsjs.Config{
			Stream: cfg.NATS.Stream,
			Topics: []string{topic, dispatcher.DeadLetterTopic(topic)},
			MaxAge: cfg.NATS.MaxAge,
		}); err != nil {
			conn.Close()
			return nil, err
		}
		src, err := natsjs.NewSource(ctx, conn.JS, natsjs.ConsumerConfig{
			Stream: cfg.NATS.Stream, Topic: topic, Group: cfg.Broker.Group,
		}, log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		return &brokerHandle{
			source:   src,
			producer: natsjs.NewProducer(conn.JS),
			Health: func(context.Context) error {
				if !conn.NC.IsConnected() {
					return fmt.Errorf("nats: %s", conn.NC.Status())
				}
				return nil
			},
			close: conn.Close,
		}, nil
	case config.BrokerMemory:
		log.Warn("using in-memory broker; only in-process producers reach this consumer")
		b := memory.New(int(cfg.Kafka.Partitions))
		return &brokerHandle{
			source:   b.Subscribe(topic, cfg.Broker.Group, 64),
			producer: b,
			Health:   func(context.Context) error { return nil },
		}, nil
	}
	return nil, fmt.Errorf("unknown broker %q", cfg.Broker.Kind)
}
