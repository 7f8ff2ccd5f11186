// Package producer adapts a franz-go client to broker.Producer.
package producer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"gamehub/internal/platform/kafka"
	"gamehub/internal/usersync/broker"
)

// Producer sends records asynchronously. Records with the same key land in
// the same partition through the default sticky key partitioner.
type Producer struct {
	client *kgo.Client
	logger *slog.Logger
}

var _ broker.Producer = (*Producer)(nil)

// Option configures the underlying client.
type Option func(*settings)

type settings struct {
	logger       *slog.Logger
	linger       time.Duration
	maxBuffered  int
	deliveryTime time.Duration
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) { s.logger = logger }
}

// WithLinger batches records for up to d before sending.
func WithLinger(d time.Duration) Option {
	return func(s *settings) { s.linger = d }
}

// WithMaxBuffered caps records waiting for acknowledgement. Sends beyond
// the cap fail immediately instead of blocking.
func WithMaxBuffered(n int) Option {
	return func(s *settings) { s.maxBuffered = n }
}

// WithDeliveryTimeout bounds how long a record may wait for the broker.
func WithDeliveryTimeout(d time.Duration) Option {
	return func(s *settings) { s.deliveryTime = d }
}

func New(cfg kafka.Config, opts ...Option) (*Producer, error) {
	s := settings{
		logger:       slog.Default(),
		maxBuffered:  10_000,
		deliveryTime: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(&s)
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka producer: at least one seed broker is required")
	}

	kopts := append(cfg.Opts(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.MaxBufferedRecords(s.maxBuffered),
		kgo.RecordDeliveryTimeout(s.deliveryTime),
	)
	if s.linger > 0 {
		kopts = append(kopts, kgo.ProducerLinger(s.linger))
	}
	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &Producer{client: client, logger: s.logger}, nil
}

// Send enqueues the record and returns without waiting for the broker.
func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, done func(error)) {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	p.client.TryProduce(ctx, rec, func(_ *kgo.Record, err error) {
		if done != nil {
			done(err)
		}
	})
}

// Ping checks that a broker is reachable.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records, bounded by ctx, and closes the client.
func (p *Producer) Close(ctx context.Context) {
	if err := p.client.Flush(ctx); err != nil {
		p.logger.Warn("kafka producer flush interrupted, buffered records dropped", "error", err)
	}
	p.client.Close()
}
