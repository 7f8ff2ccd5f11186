package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"gamehub/internal/usersync/dispatcher"
	"gamehub/internal/usersync/event"
	"gamehub/pkg/domain"
)

type options struct {
	topic    string
	username string
	subject  string
	avatar   string
	action   string
	replay   string
}

type outbound struct {
	topic string
	key   []byte
	value []byte
}

// message builds what to send from the flags. A replay re-publishes the
// original payload to the topic it was consumed from, under its original key.
func (o options) message(readFile func(string) ([]byte, error)) (outbound, error) {
	if o.replay != "" {
		data, err := readFile(o.replay)
		if err != nil {
			return outbound{}, fmt.Errorf("read envelope: %w", err)
		}
		rec, err := dispatcher.DecodeDeadLetter(data)
		if err != nil {
			return outbound{}, err
		}
		return outbound{topic: rec.Topic, key: []byte(rec.Key), value: rec.Payload}, nil
	}

	if o.username == "" {
		return outbound{}, errors.New("-username is required unless -replay is set")
	}
	action, err := event.ParseAction(o.action)
	if err != nil {
		return outbound{}, err
	}
	ev := event.UserChangeEvent{
		Username:  o.username,
		Action:    action,
		EmittedAt: time.Now().UnixMilli(),
		EventID:   uuid.NewString(),
	}
	if o.subject != "" {
		id, err := domain.ParseSubjectID(o.subject)
		if err != nil {
			return outbound{}, err
		}
		ev.SubjectID = &id
	}
	if o.avatar != "" {
		ev.AvatarURL = &o.avatar
	}
	value, err := event.Encode(ev)
	if err != nil {
		return outbound{}, err
	}
	return outbound{topic: o.topic, key: []byte(ev.OrderingKey()), value: value}, nil
}
