package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gamehub/internal/usersync/broker"
)

// Dead-letter reasons.
const (
	ReasonDecode    = "decode"
	ReasonReconcile = "reconcile"
)

// DeadLetterSuffix is appended to the source topic.
const DeadLetterSuffix = ".dlq"

// DeadLetterTopic names the dead-letter topic for topic.
func DeadLetterTopic(topic string) string { return topic + DeadLetterSuffix }

// DeadLetterRecord is the JSON envelope written for a given-up message.
// Payload keeps the original bytes so the message can be replayed as is.
type DeadLetterRecord struct {
	Reason    string    `json:"reason"`
	Error     string    `json:"error"`
	Topic     string    `json:"topic"`
	Partition int32     `json:"partition"`
	Offset    int64     `json:"offset"`
	Key       string    `json:"key"`
	Payload   []byte    `json:"payload"`
	EventID   string    `json:"eventId,omitempty"`
	FailedAt  time.Time `json:"failedAt"`
}

// DeadLetterSink stores given-up messages.
type DeadLetterSink interface {
	Write(ctx context.Context, record DeadLetterRecord) error
}

func newDeadLetter(msg broker.Message, fail *failure) DeadLetterRecord {
	rec := DeadLetterRecord{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Payload:   append([]byte(nil), msg.Value...),
		FailedAt:  time.Now().UTC(),
	}
	if fail != nil {
		rec.Reason = fail.reason
		if fail.err != nil {
			rec.Error = fail.err.Error()
		}
		if fail.ev != nil {
			rec.EventID = fail.ev.EventID
		}
	}
	return rec
}

// ProducerDeadLetter writes envelopes to <topic>.dlq through a producer,
// keyed like the original message so replay keeps partition order.
type ProducerDeadLetter struct {
	producer broker.Producer
}

func NewProducerDeadLetter(producer broker.Producer) *ProducerDeadLetter {
	return &ProducerDeadLetter{producer: producer}
}

// Write blocks until the broker accepts the envelope.
func (s *ProducerDeadLetter) Write(ctx context.Context, record DeadLetterRecord) error {
	value, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}
	if err := broker.SendSync(ctx, s.producer, DeadLetterTopic(record.Topic), []byte(record.Key), value); err != nil {
		return fmt.Errorf("send dead letter to %s: %w", DeadLetterTopic(record.Topic), err)
	}
	return nil
}

// DecodeDeadLetter parses an envelope, e.g. for replay.
func DecodeDeadLetter(data []byte) (DeadLetterRecord, error) {
	var rec DeadLetterRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return DeadLetterRecord{}, fmt.Errorf("decode dead letter: %w", err)
	}
	if rec.Topic == "" {
		return DeadLetterRecord{}, fmt.Errorf("decode dead letter: missing topic")
	}
	return rec, nil
}
