// Package consumer adapts a franz-go group consumer to broker.Source.
//
// Auto-commit is disabled: offsets move only when the pump commits handled
// messages. Rebalances are held while a polled batch is being handled so a
// partition is never revoked mid-batch.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"

	"gamehub/internal/platform/kafka"
	"gamehub/internal/usersync/broker"
)

// Config selects what to consume.
type Config struct {
	Topic string
	Group string
	// MaxPollRecords bounds records per Fetch across partitions.
	MaxPollRecords int
}

// Source is a consumer group member.
type Source struct {
	client   *kgo.Client
	maxPoll  int
	logger   *slog.Logger
	closeMux sync.Once
}

var _ broker.Source = (*Source)(nil)

func New(conn kafka.Config, cfg Config, logger *slog.Logger) (*Source, error) {
	if len(conn.Brokers) == 0 {
		return nil, errors.New("kafka consumer: at least one seed broker is required")
	}
	if cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("kafka consumer: topic and group are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = 500
	}

	opts := append(conn.Opts(),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("kafka partitions assigned", "partitions", assigned)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("kafka partitions revoked", "partitions", revoked)
		}),
	)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Source{client: client, maxPoll: cfg.MaxPollRecords, logger: logger}, nil
}

// Fetch polls the next batch. It releases the rebalance hold of the
// previous batch first.
func (s *Source) Fetch(ctx context.Context) ([]broker.PartitionBatch, error) {
	s.client.AllowRebalance()

	fetches := s.client.PollRecords(ctx, s.maxPoll)
	if fetches.IsClientClosed() {
		return nil, broker.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var errs []error
	fetches.EachError(func(topic string, partition int32, err error) {
		s.logger.WarnContext(ctx, "kafka fetch error", "topic", topic, "partition", partition, "error", err)
		errs = append(errs, fmt.Errorf("%s/%d: %w", topic, partition, err))
	})

	var batches []broker.PartitionBatch
	fetches.EachPartition(func(p kgo.FetchTopicPartition) {
		if len(p.Records) == 0 {
			return
		}
		batch := broker.PartitionBatch{
			Topic:     p.Topic,
			Partition: p.Partition,
			Messages:  make([]broker.Message, 0, len(p.Records)),
		}
		for _, r := range p.Records {
			batch.Messages = append(batch.Messages, broker.Message{
				Topic:     r.Topic,
				Partition: r.Partition,
				Offset:    r.Offset,
				Key:       r.Key,
				Value:     r.Value,
			})
		}
		batches = append(batches, batch)
	})
	if len(batches) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return batches, nil
}

// Commit synchronously commits the highest offset per partition in msgs.
func (s *Source) Commit(ctx context.Context, msgs []broker.Message) error {
	defer s.client.AllowRebalance()
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, 0, len(msgs))
	for _, m := range msgs {
		recs = append(recs, &kgo.Record{
			Topic:       m.Topic,
			Partition:   m.Partition,
			Offset:      m.Offset,
			LeaderEpoch: -1,
		})
	}
	if err := s.client.CommitRecords(ctx, recs...); err != nil {
		return fmt.Errorf("commit kafka offsets: %w", err)
	}
	return nil
}

// Ping checks that a broker is reachable.
func (s *Source) Ping(ctx context.Context) error {
	return s.client.Ping(ctx)
}

// Close leaves the group and closes the client.
func (s *Source) Close() {
	s.closeMux.Do(func() {
		s.client.AllowRebalance()
		s.client.Close()
	})
}
