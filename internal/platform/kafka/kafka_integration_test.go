//go:build integration

package kafka_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"gamehub/internal/platform/kafka"
	"gamehub/internal/platform/kafka/consumer"
	"gamehub/internal/platform/kafka/producer"
	"gamehub/internal/usersync/broker"
	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/publisher"
	"gamehub/internal/usersync/reconcile"
	"gamehub/internal/usersync/replica/store/memory"
	"gamehub/pkg/testutil/containers"
)

type KafkaSuite struct {
	suite.Suite
	conn   kafka.Config
	logger *slog.Logger
}

func TestKafkaSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping kafka integration tests in short mode")
	}
	suite.Run(t, new(KafkaSuite))
}

func (s *KafkaSuite) SetupSuite() {
	rp := containers.GetManager().GetRedpanda(s.T())
	s.conn = kafka.Config{Brokers: rp.Brokers, ClientID: "gamehub-test"}
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTopic bootstraps a fresh topic per test so offsets never leak.
func (s *KafkaSuite) newTopic(partitions int32) string {
	topic := fmt.Sprintf("user-updates-%d", time.Now().UnixNano())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Require().NoError(kafka.EnsureTopics(ctx, s.conn, kafka.TopicSpec{Name: topic, Partitions: partitions}))
	// A second call is a no-op.
	s.Require().NoError(kafka.EnsureTopics(ctx, s.conn, kafka.TopicSpec{Name: topic, Partitions: partitions}))
	return topic
}

func (s *KafkaSuite) newProducer() *producer.Producer {
	p, err := producer.New(s.conn, producer.WithLogger(s.logger))
	s.Require().NoError(err)
	s.T().Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Close(ctx)
	})
	return p
}

func (s *KafkaSuite) TestScenariosOverKafka() {
	topic := s.newTopic(3)
	prod := s.newProducer()
	store := memory.New()
	pub := publisher.New(prod, publisher.WithTopic(topic), publisher.WithLogger(s.logger))

	src, err := consumer.New(s.conn, consumer.Config{Topic: topic, Group: "community-group"}, s.logger)
	s.Require().NoError(err)
	d := dispatcher.New(reconcile.New(store, reconcile.WithLogger(s.logger)), dispatcher.WithLogger(s.logger))
	pump := dispatcher.NewPump(src, d, dispatcher.WithPumpLogger(s.logger))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pump.Run(ctx) }()
	defer func() {
		cancel()
		s.NoError(<-done)
	}()

	ev := event.UserChangeEvent{Username: "Alice", AvatarURL: event.StringPtr("/a.png"), Action: event.ActionCreate, EmittedAt: 1}
	raw, err := event.Encode(ev)
	s.Require().NoError(err)

	pub.Publish(ctx, ev)
	s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("Alice"), raw))
	s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("x"), []byte("{not json")))
	pub.NotifyUserChanged(ctx, "", "Bob", nil, event.ActionCreate)

	s.Require().Eventually(func() bool {
		all, err := store.List(ctx, 0)
		return err == nil && len(all) == 2
	}, 30*time.Second, 100*time.Millisecond)

	alice, err := store.FindByNaturalKey(ctx, "Alice")
	s.Require().NoError(err)
	assert.Equal(s.T(), "/a.png", *alice.AvatarURL)
}

func (s *KafkaSuite) TestCommittedOffsetsSurviveRestart() {
	topic := s.newTopic(1)
	prod := s.newProducer()
	ctx := context.Background()

	for i := range 3 {
		s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("k"), []byte(fmt.Sprint(i))))
	}

	first := s.consumeAll(topic, 3)
	require.Len(s.T(), first, 3)

	s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("k"), []byte("3")))
	second := s.consumeAll(topic, 1)
	require.Len(s.T(), second, 1)
	assert.Equal(s.T(), "3", string(second[0].Value))
}

// consumeAll joins the group, commits n messages and leaves.
func (s *KafkaSuite) consumeAll(topic string, n int) []broker.Message {
	src, err := consumer.New(s.conn, consumer.Config{Topic: topic, Group: "offsets"}, s.logger)
	s.Require().NoError(err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var got []broker.Message
	for len(got) < n {
		batches, err := src.Fetch(ctx)
		s.Require().NoError(err)
		for _, b := range batches {
			got = append(got, b.Messages...)
		}
	}
	s.Require().NoError(src.Commit(ctx, got))
	return got
}
