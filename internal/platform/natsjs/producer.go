package natsjs

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"gamehub/internal/usersync/broker"
)

// Producer publishes asynchronously and reports the stream ack through done.
type Producer struct {
	js jetstream.JetStream
}

var _ broker.Producer = (*Producer)(nil)

func NewProducer(js jetstream.JetStream) *Producer {
	return &Producer{js: js}
}

func (p *Producer) Send(ctx context.Context, topic string, key, value []byte, done func(error)) {
	report := func(err error) {
		if done != nil {
			done(err)
		}
	}
	msg := nats.NewMsg(Subject(topic, key))
	msg.Data = value
	if len(key) > 0 {
		msg.Header.Set(KeyHeader, string(key))
	}

	future, err := p.js.PublishMsgAsync(msg)
	if err != nil {
		report(fmt.Errorf("publish to %s: %w", msg.Subject, err))
		return
	}
	go func() {
		select {
		case <-future.Ok():
			report(nil)
		case err := <-future.Err():
			report(fmt.Errorf("publish to %s: %w", msg.Subject, err))
		case <-ctx.Done():
			report(ctx.Err())
		}
	}()
}
