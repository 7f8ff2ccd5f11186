//go:build integration

package natsjs_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"gamehub/internal/platform/natsjs"
	"gamehub/internal/usersync/broker"
	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/event"
	"gamehub/internal/usersync/publisher"
	"gamehub/internal/usersync/reconcile"
	"gamehub/internal/usersync/replica/store/memory"
	"gamehub/pkg/testutil/containers"
)

type JetStreamSuite struct {
	suite.Suite
	conn   *natsjs.Conn
	logger *slog.Logger
}

func TestJetStreamSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping nats integration tests in short mode")
	}
	suite.Run(t, new(JetStreamSuite))
}

func (s *JetStreamSuite) SetupSuite() {
	s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	nc := containers.GetManager().GetNATS(s.T())
	conn, err := natsjs.Connect(nc.URL, s.logger)
	s.Require().NoError(err)
	s.conn = conn
}

func (s *JetStreamSuite) TearDownSuite() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *JetStreamSuite) newStream() (stream, topic string) {
	id := time.Now().UnixNano()
	stream = fmt.Sprintf("USERSYNC_%d", id)
	topic = fmt.Sprintf("user-updates-%d", id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.Require().NoError(natsjs.EnsureStream(ctx, s.conn.JS, natsjs.Config{
		Stream: stream,
		Topics: []string{topic, dispatcher.DeadLetterTopic(topic)},
	}))
	return stream, topic
}

func (s *JetStreamSuite) TestScenariosOverJetStream() {
	stream, topic := s.newStream()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	prod := natsjs.NewProducer(s.conn.JS)
	pub := publisher.New(prod, publisher.WithTopic(topic), publisher.WithLogger(s.logger))
	src, err := natsjs.NewSource(ctx, s.conn.JS, natsjs.ConsumerConfig{
		Stream: stream, Topic: topic, Group: "community-group", MaxWait: time.Second,
	}, s.logger)
	s.Require().NoError(err)

	store := memory.New()
	d := dispatcher.New(reconcile.New(store, reconcile.WithLogger(s.logger)), dispatcher.WithLogger(s.logger))
	done := make(chan error, 1)
	go func() { done <- dispatcher.NewPump(src, d, dispatcher.WithPumpLogger(s.logger)).Run(ctx) }()

	pub.NotifyUserChanged(ctx, "", "Alice", event.StringPtr("/a.png"), event.ActionCreate)
	pub.NotifyUserChanged(ctx, "", "Alice", event.StringPtr("/a.png"), event.ActionCreate)
	s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("x"), []byte("{not json")))
	pub.NotifyUserChanged(ctx, "", "Bob", nil, event.ActionCreate)

	s.Require().Eventually(func() bool {
		all, err := store.List(ctx, 0)
		return err == nil && len(all) == 2
	}, 20*time.Second, 50*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

func (s *JetStreamSuite) TestUncommittedMessagesAreRedelivered() {
	stream, topic := s.newStream()
	ctx := context.Background()
	prod := natsjs.NewProducer(s.conn.JS)
	s.Require().NoError(broker.SendSync(ctx, prod, topic, []byte("42"), []byte("payload")))

	cfg := natsjs.ConsumerConfig{Stream: stream, Topic: topic, Group: "redelivery", MaxWait: time.Second}
	first, err := natsjs.NewSource(ctx, s.conn.JS, cfg, s.logger)
	s.Require().NoError(err)
	batches, err := first.Fetch(ctx)
	s.Require().NoError(err)
	s.Require().Len(batches, 1)
	s.Equal("42", string(batches[0].Messages[0].Key))
	s.Equal(topic, batches[0].Messages[0].Topic)
	first.Close()

	second, err := natsjs.NewSource(ctx, s.conn.JS, cfg, s.logger)
	s.Require().NoError(err)
	defer second.Close()
	fetchCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	batches, err = second.Fetch(fetchCtx)
	s.Require().NoError(err)
	s.Require().NotEmpty(batches)
	s.Equal("payload", string(batches[0].Messages[0].Value))
	s.Require().NoError(second.Commit(fetchCtx, batches[0].Messages))
}

func (s *JetStreamSuite) TestFetchReturnsPromptlyOnCancel() {
	stream, topic := s.newStream()
	cfg := natsjs.ConsumerConfig{Stream: stream, Topic: topic, Group: "idle", MaxWait: 5 * time.Second}
	src, err := natsjs.NewSource(context.Background(), s.conn.JS, cfg, s.logger)
	s.Require().NoError(err)
	defer src.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err = src.Fetch(ctx)
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Less(time.Since(start), 2*time.Second)
}

func (s *JetStreamSuite) TestFetchReturnsClosedAfterClose() {
	stream, topic := s.newStream()
	cfg := natsjs.ConsumerConfig{Stream: stream, Topic: topic, Group: "closing", MaxWait: 5 * time.Second}
	src, err := natsjs.NewSource(context.Background(), s.conn.JS, cfg, s.logger)
	s.Require().NoError(err)

	done := make(chan error, 1)
	go func() {
		_, err := src.Fetch(context.Background())
		done <- err
	}()
	time.Sleep(100 * time.Millisecond)
	src.Close()
	select {
	case err := <-done:
		s.ErrorIs(err, broker.ErrClosed)
	case <-time.After(2 * time.Second):
		s.Fail("fetch did not return after close")
	}
}
