package natsjs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"gamehub/internal/usersync/broker"
)

// ConsumerConfig selects what a Source consumes.
type ConsumerConfig struct {
	Stream string
	Topic  string
	// Group is the durable consumer name, shared by every replica of the
	// consuming service.
	Group     string
	BatchSize int
	MaxWait   time.Duration
	AckWait   time.Duration
}

// Source pulls from a durable consumer. Messages stay unacknowledged until
// Commit; Close naks the rest so they are redelivered promptly.
type Source struct {
	consumer  jetstream.Consumer
	topic     string
	batchSize int
	maxWait   time.Duration
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[int64]jetstream.Msg

	closeOnce sync.Once
	closed    chan struct{}
}

var _ broker.Source = (*Source)(nil)

func NewSource(ctx context.Context, js jetstream.JetStream, cfg ConsumerConfig, logger *slog.Logger) (*Source, error) {
	if cfg.Stream == "" || cfg.Topic == "" || cfg.Group == "" {
		return nil, errors.New("natsjs: stream, topic and group are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Second
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 30 * time.Second
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, cfg.Stream, jetstream.ConsumerConfig{
		Durable:       cfg.Group,
		FilterSubject: FilterSubject(cfg.Topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       cfg.AckWait,
		MaxAckPending: cfg.BatchSize * 4,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer %s: %w", cfg.Group, err)
	}
	return &Source{
		consumer:  consumer,
		topic:     cfg.Topic,
		batchSize: cfg.BatchSize,
		maxWait:   cfg.MaxWait,
		logger:    logger,
		pending:   make(map[int64]jetstream.Msg),
		closed:    make(chan struct{}),
	}, nil
}

// fetchSlice bounds a single pull request so Fetch notices cancellation and
// Close without waiting out the whole MaxWait.
const fetchSlice = 250 * time.Millisecond

func pollWait(maxWait time.Duration) time.Duration {
	return min(maxWait, fetchSlice)
}

// Fetch polls until at least one message arrives, ctx is done or the source
// is closed.
func (s *Source) Fetch(ctx context.Context) ([]broker.PartitionBatch, error) {
	for {
		select {
		case <-s.closed:
			return nil, broker.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		msgs, err := s.consumer.Fetch(s.batchSize, jetstream.FetchMaxWait(pollWait(s.maxWait)))
		if err != nil {
			return nil, fmt.Errorf("fetch from %s: %w", s.topic, err)
		}
		batch := broker.PartitionBatch{Topic: s.topic}
		for msg := range msgs.Messages() {
			meta, err := msg.Metadata()
			if err != nil {
				s.logger.WarnContext(ctx, "dropping message without metadata", "subject", msg.Subject(), "error", err)
				_ = msg.Term()
				continue
			}
			offset := int64(meta.Sequence.Stream)
			s.mu.Lock()
			s.pending[offset] = msg
			s.mu.Unlock()
			batch.Messages = append(batch.Messages, broker.Message{
				Topic:     topicOf(msg.Subject()),
				Partition: 0,
				Offset:    offset,
				Key:       keyOf(msg),
				Value:     msg.Data(),
			})
		}
		if err := msgs.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			s.logger.WarnContext(ctx, "jetstream fetch ended with error", "error", err)
		}
		if len(batch.Messages) > 0 {
			return []broker.PartitionBatch{batch}, nil
		}
	}
}

// Commit acknowledges msgs and waits for the server to confirm each ack.
func (s *Source) Commit(ctx context.Context, msgs []broker.Message) error {
	var errs []error
	for _, m := range msgs {
		s.mu.Lock()
		msg, ok := s.pending[m.Offset]
		delete(s.pending, m.Offset)
		s.mu.Unlock()
		if !ok {
			continue
		}
		if err := msg.DoubleAck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("ack %s: %w", m, err))
		}
	}
	return errors.Join(errs...)
}

// Close naks messages that were fetched but never committed.
func (s *Source) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.mu.Lock()
		defer s.mu.Unlock()
		for offset, msg := range s.pending {
			_ = msg.Nak()
			delete(s.pending, offset)
		}
	})
}
