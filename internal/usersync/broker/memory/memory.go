// Package memory is an in-process partitioned log implementing the broker
// contract. It keeps per-group committed offsets so a re-subscribed group
// sees uncommitted messages again, which is what at-least-once looks like.
package memory

import (
	"context"
	"hash/fnv"
	"sync"

	"gamehub/internal/usersync/broker"
)

// Broker is safe for concurrent use.
type Broker struct {
	partitions int

	mu        sync.Mutex
	logs      map[string][][]broker.Message // topic -> partition -> log
	committed map[string]map[string][]int64 // group -> topic -> next offset per partition
	sendErr   error
	changed   chan struct{}
}

// New creates a broker where every topic has the given partition count.
func New(partitions int) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		logs:       make(map[string][][]broker.Message),
		committed:  make(map[string]map[string][]int64),
		changed:    make(chan struct{}),
	}
}

// Partitions returns the partition count per topic.
func (b *Broker) Partitions() int { return b.partitions }

// PartitionFor maps a key to a partition. Empty keys land on partition 0.
func (b *Broker) PartitionFor(key []byte) int32 {
	if len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int32(h.Sum32() % uint32(b.partitions))
}

// FailSends makes every subsequent Send report err; nil restores delivery.
func (b *Broker) FailSends(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// Send implements broker.Producer. The outcome is reported synchronously.
func (b *Broker) Send(ctx context.Context, topic string, key, value []byte, done func(error)) {
	if err := ctx.Err(); err != nil {
		report(done, err)
		return
	}

	b.mu.Lock()
	if b.sendErr != nil {
		err := b.sendErr
		b.mu.Unlock()
		report(done, err)
		return
	}
	log := b.topicLocked(topic)
	p := b.PartitionFor(key)
	msg := broker.Message{
		Topic:     topic,
		Partition: p,
		Offset:    int64(len(log[p])),
		Key:       append([]byte(nil), key...),
		Value:     append([]byte(nil), value...),
	}
	log[p] = append(log[p], msg)
	b.broadcastLocked()
	b.mu.Unlock()

	report(done, nil)
}

// Messages returns a copy of a partition's log.
func (b *Broker) Messages(topic string, partition int32) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	log := b.topicLocked(topic)
	return append([]broker.Message(nil), log[partition]...)
}

// Committed returns the group's next offset for a partition.
func (b *Broker) Committed(group, topic string, partition int32) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offsetsLocked(group, topic)[partition]
}

// Subscribe opens a source for group on topic, starting at the group's
// committed offsets. maxBatch bounds messages per partition per Fetch.
func (b *Broker) Subscribe(topic, group string, maxBatch int) *Source {
	if maxBatch <= 0 {
		maxBatch = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.topicLocked(topic)
	cursor := append([]int64(nil), b.offsetsLocked(group, topic)...)
	return &Source{
		broker:   b,
		topic:    topic,
		group:    group,
		maxBatch: maxBatch,
		cursor:   cursor,
		closed:   make(chan struct{}),
	}
}

func (b *Broker) topicLocked(topic string) [][]broker.Message {
	log, ok := b.logs[topic]
	if !ok {
		log = make([][]broker.Message, b.partitions)
		b.logs[topic] = log
	}
	return log
}

func (b *Broker) offsetsLocked(group, topic string) []int64 {
	byTopic, ok := b.committed[group]
	if !ok {
		byTopic = make(map[string][]int64)
		b.committed[group] = byTopic
	}
	offsets, ok := byTopic[topic]
	if !ok {
		offsets = make([]int64, b.partitions)
		byTopic[topic] = offsets
	}
	return offsets
}

func (b *Broker) broadcastLocked() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func report(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// Source is a group member that owns every partition of its topic.
type Source struct {
	broker   *Broker
	topic    string
	group    string
	maxBatch int

	cursor    []int64 // guarded by broker.mu
	closeOnce sync.Once
	closed    chan struct{}
}

var _ broker.Source = (*Source)(nil)

// Fetch implements broker.Source.
func (s *Source) Fetch(ctx context.Context) ([]broker.PartitionBatch, error) {
	for {
		select {
		case <-s.closed:
			return nil, broker.ErrClosed
		default:
		}

		s.broker.mu.Lock()
		batches := s.collectLocked()
		wait := s.broker.changed
		s.broker.mu.Unlock()

		if len(batches) > 0 {
			return batches, nil
		}

		select {
		case <-wait:
		case <-s.closed:
			return nil, broker.ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Source) collectLocked() []broker.PartitionBatch {
	log := s.broker.logs[s.topic]
	var batches []broker.PartitionBatch
	for p := range log {
		start := s.cursor[p]
		end := int64(len(log[p]))
		if start >= end {
			continue
		}
		if end-start > int64(s.maxBatch) {
			end = start + int64(s.maxBatch)
		}
		msgs := append([]broker.Message(nil), log[p][start:end]...)
		s.cursor[p] = end
		batches = append(batches, broker.PartitionBatch{
			Topic:     s.topic,
			Partition: int32(p),
			Messages:  msgs,
		})
	}
	return batches
}

// Commit implements broker.Source. Offsets only move forward.
func (s *Source) Commit(_ context.Context, msgs []broker.Message) error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()
	offsets := s.broker.offsetsLocked(s.group, s.topic)
	for _, m := range msgs {
		if m.Topic != s.topic {
			continue
		}
		if next := m.Offset + 1; next > offsets[m.Partition] {
			offsets[m.Partition] = next
		}
	}
	return nil
}

// Close implements broker.Source.
func (s *Source) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
}
