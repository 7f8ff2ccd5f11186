// Package broker is the contract between the replication pipeline and the
// message broker it runs on: a named, partitioned, durable log with
// at-least-once delivery to consumer groups, per-partition ordering and
// explicit commits. Kafka, NATS JetStream and an in-memory log implement it.
package broker

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Fetch once the source has been closed.
var ErrClosed = errors.New("broker: source closed")

// Message is one delivered record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s/%d@%d", m.Topic, m.Partition, m.Offset)
}

// PartitionBatch holds messages of one partition in delivery order.
type PartitionBatch struct {
	Topic     string
	Partition int32
	Messages  []Message
}

// Producer appends records. Send must not block on broker acknowledgement:
// it enqueues the record and reports the outcome through done, exactly once,
// possibly from another goroutine.
type Producer interface {
	Send(ctx context.Context, topic string, key, value []byte, done func(error))
}

// Source delivers records for a consumer group.
type Source interface {
	// Fetch blocks until records are available, ctx is done, or the source
	// is closed. Batches never interleave messages of different partitions.
	Fetch(ctx context.Context) ([]PartitionBatch, error)
	// Commit records progress for fully processed messages. Committing a
	// message implies all earlier offsets of its partition are processed.
	Commit(ctx context.Context, msgs []Message) error
	// Close releases partitions and the underlying connection.
	Close()
}

// SendSync is a helper for callers (tools, tests) that need the outcome.
func SendSync(ctx context.Context, p Producer, topic string, key, value []byte) error {
	result := make(chan error, 1)
	p.Send(ctx, topic, key, value, func(err error) { result <- err })
	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
